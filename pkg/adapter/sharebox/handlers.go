package sharebox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/marmos91/sharebox/internal/logger"
	"github.com/marmos91/sharebox/internal/protocol/wire"
	"github.com/marmos91/sharebox/pkg/sharing"
	"github.com/marmos91/sharebox/pkg/store"
	"github.com/marmos91/sharebox/pkg/transfer"
)

var (
	errSelfShare = errors.New("cannot share a file with its owner")
	errNotShared = errors.New("file is not shared with the caller")
	errNoGrants  = errors.New("file has no grants to revoke")
)

// handlerFunc processes one request after its opcode has been read.
//
// opErr is the outcome reported to the client (nil means success). err is
// non-nil only when the connection can no longer be used.
type handlerFunc func(c *ShareboxConnection, ctx context.Context) (opErr, err error)

var handlers = map[wire.Opcode]handlerFunc{
	wire.OpUpload:         (*ShareboxConnection).handleUpload,
	wire.OpDownload:       (*ShareboxConnection).handleDownload,
	wire.OpDownloadShared: (*ShareboxConnection).handleDownloadShared,
	wire.OpBrowse:         (*ShareboxConnection).handleBrowse,
	wire.OpDelete:         (*ShareboxConnection).handleDelete,
	wire.OpRename:         (*ShareboxConnection).handleRename,
	wire.OpShare:          (*ShareboxConnection).handleShare,
	wire.OpRevoke:         (*ShareboxConnection).handleRevoke,
}

// handleUpload receives a file into the caller's tree.
//
// Request: filename, int64 size, then size payload bytes. Response: result.
//
// Overwriting an existing file first revokes every grant on it. When the
// upload cannot be stored the payload is drained so the stream stays in
// sync. A peer that disconnects mid-payload leaves no file behind and ends
// the session.
func (c *ShareboxConnection) handleUpload(ctx context.Context) (error, error) {
	name, err := c.readField()
	if err != nil {
		return nil, err
	}
	size, err := wire.ReadInt64(c.reader)
	if err != nil {
		return nil, fmt.Errorf("read upload size: %w", err)
	}
	if size < 0 {
		return nil, fmt.Errorf("upload size %d: %w", size, wire.ErrNegativeLength)
	}

	user := c.session.Username

	var upload store.Upload
	var existed bool

	rel, opErr := store.CleanPath(name)
	if opErr == nil {
		existed, opErr = c.fileExists(ctx, user, rel)
	}
	if opErr == nil {
		upload, opErr = c.server.files.Create(ctx, user, rel)
	}
	// Grants are dropped only once the new content can actually be written
	if opErr == nil && existed {
		if opErr = c.revokeOverwritten(ctx, user, rel); opErr != nil {
			if abortErr := upload.Abort(); abortErr != nil {
				logger.Error("Failed to remove upload %s/%s: %v", user, rel, abortErr)
			}
		}
	}
	if opErr != nil {
		if err := c.server.transfer.Drain(ctx, c.reader, size); err != nil {
			return opErr, fmt.Errorf("drain rejected upload: %w", err)
		}
		return opErr, c.reply(opErr)
	}

	consumed, err := c.server.transfer.Receive(ctx, c.reader, upload, size)
	if err != nil {
		if abortErr := upload.Abort(); abortErr != nil {
			logger.Error("Failed to remove partial upload %s/%s: %v", user, rel, abortErr)
		}

		if !errors.Is(err, transfer.ErrSinkFailed) {
			logger.Warn("Upload of %s by %s interrupted after %d of %d bytes: %v",
				rel, user, consumed, size, err)
			return err, err
		}

		logger.Error("Failed to write upload %s/%s: %v", user, rel, err)
		if derr := c.server.transfer.Drain(ctx, c.reader, size-consumed); derr != nil {
			return err, fmt.Errorf("drain failed upload: %w", derr)
		}
		return err, c.reply(err)
	}

	if err := upload.Commit(ctx); err != nil {
		logger.Error("Failed to commit upload %s/%s: %v", user, rel, err)
		return err, c.reply(err)
	}

	logger.Info("User %s uploaded %s (%d bytes)", user, rel, size)
	return nil, c.reply(nil)
}

func (c *ShareboxConnection) fileExists(ctx context.Context, user, rel string) (bool, error) {
	if _, err := c.server.files.Stat(ctx, user, rel); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// revokeOverwritten drops every grant on a file whose content is being
// replaced.
func (c *ShareboxConnection) revokeOverwritten(ctx context.Context, user, rel string) error {
	n, err := c.server.shares.RevokeAll(ctx, sharing.Token(user, rel))
	if err != nil {
		logger.Error("Failed to revoke grants on %s/%s before overwrite: %v", user, rel, err)
		return err
	}
	if n > 0 {
		logger.Info("Revoked %d grant(s) on %s/%s before overwrite", n, user, rel)
	}
	return nil
}

// handleDownload sends a file from the caller's tree.
//
// Request: filename. Response: int64 size then the content; size 0 when
// the file does not exist.
func (c *ShareboxConnection) handleDownload(ctx context.Context) (error, error) {
	name, err := c.readField()
	if err != nil {
		return nil, err
	}
	return c.sendFile(ctx, c.session.Username, name)
}

// handleDownloadShared sends a file from another user's tree.
//
// Request: filename, owner. Response: as DWN. The caller must hold a grant
// on the file in the sharing registry, checked at transfer time; without
// one the response is a zero size, exactly as if the file did not exist.
func (c *ShareboxConnection) handleDownloadShared(ctx context.Context) (error, error) {
	name, err := c.readField()
	if err != nil {
		return nil, err
	}
	owner, err := c.readField()
	if err != nil {
		return nil, err
	}

	user := c.session.Username

	if owner != user {
		granted, opErr := c.hasGrant(ctx, owner, name)
		if opErr == nil && !granted {
			opErr = errNotShared
		}
		if opErr != nil {
			return opErr, c.sendAbsent()
		}
	}
	return c.sendFile(ctx, owner, name)
}

func (c *ShareboxConnection) hasGrant(ctx context.Context, owner, name string) (bool, error) {
	if err := store.ValidateOwner(owner); err != nil {
		return false, err
	}
	rel, err := store.CleanPath(name)
	if err != nil {
		return false, err
	}

	granted, err := c.server.shares.HasGrant(ctx, c.session.Username, sharing.Token(owner, rel))
	if err != nil {
		logger.Error("Failed to check grant of %s on %s/%s: %v", c.session.Username, owner, rel, err)
		return false, err
	}
	return granted, nil
}

// sendFile streams owner's file, or a zero size header when it cannot be opened.
func (c *ShareboxConnection) sendFile(ctx context.Context, owner, name string) (error, error) {
	rc, size, opErr := c.server.files.Open(ctx, owner, name)
	if opErr != nil {
		return opErr, c.sendAbsent()
	}
	defer rc.Close()

	if _, err := c.server.transfer.Send(ctx, c.conn, rc, size); err != nil {
		return err, err
	}

	logger.Info("User %s downloaded %s/%s (%d bytes)", c.session.Username, owner, name, size)
	return nil, nil
}

func (c *ShareboxConnection) sendAbsent() error {
	if err := transfer.SendAbsent(c.conn); err != nil {
		return fmt.Errorf("write size header: %w", err)
	}
	return nil
}

// handleBrowse lists the caller's files.
//
// Request: no fields. Response: bare UTF-8 text with no length prefix, a
// line per file "<path> <size> <RFC3339 mtime>\n", or "No file found" when
// there are none.
func (c *ShareboxConnection) handleBrowse(ctx context.Context) (error, error) {
	files, opErr := c.server.files.List(ctx, c.session.Username)
	if opErr != nil {
		logger.Error("Failed to list files of %s: %v", c.session.Username, opErr)
	}

	listing := wire.EmptyListing
	if len(files) > 0 {
		var b strings.Builder
		for _, f := range files {
			fmt.Fprintf(&b, "%s %d %s\n", f.Path, f.Size, f.ModTime.UTC().Format(time.RFC3339))
		}
		listing = b.String()
	}

	if _, err := io.WriteString(c.conn, listing); err != nil {
		return opErr, fmt.Errorf("write listing: %w", err)
	}
	return opErr, nil
}

// handleDelete removes a file and every grant on it.
//
// Request: filename. Response: result.
func (c *ShareboxConnection) handleDelete(ctx context.Context) (error, error) {
	name, err := c.readField()
	if err != nil {
		return nil, err
	}

	opErr := c.deleteFile(ctx, name)
	return opErr, c.reply(opErr)
}

func (c *ShareboxConnection) deleteFile(ctx context.Context, name string) error {
	user := c.session.Username

	rel, err := store.CleanPath(name)
	if err != nil {
		return err
	}
	if err := c.server.files.Remove(ctx, user, rel); err != nil {
		return err
	}

	n, err := c.server.shares.RevokeAll(ctx, sharing.Token(user, rel))
	if err != nil {
		logger.Error("Deleted %s/%s but failed to revoke its grants: %v", user, rel, err)
		return err
	}

	logger.Info("User %s deleted %s (%d grant(s) revoked)", user, rel, n)
	return nil
}

// handleRename moves a file inside the caller's tree and revokes every
// grant on the old name.
//
// Request: filename, new filename. Response: result; failure when the
// source is missing or the target already exists.
func (c *ShareboxConnection) handleRename(ctx context.Context) (error, error) {
	oldName, err := c.readField()
	if err != nil {
		return nil, err
	}
	newName, err := c.readField()
	if err != nil {
		return nil, err
	}

	opErr := c.renameFile(ctx, oldName, newName)
	return opErr, c.reply(opErr)
}

func (c *ShareboxConnection) renameFile(ctx context.Context, oldName, newName string) error {
	user := c.session.Username

	oldRel, err := store.CleanPath(oldName)
	if err != nil {
		return err
	}
	newRel, err := store.CleanPath(newName)
	if err != nil {
		return err
	}
	if err := c.server.files.Rename(ctx, user, oldRel, newRel); err != nil {
		return err
	}

	n, err := c.server.shares.RevokeAll(ctx, sharing.Token(user, oldRel))
	if err != nil {
		logger.Error("Renamed %s/%s but failed to revoke its grants: %v", user, oldRel, err)
		return err
	}

	logger.Info("User %s renamed %s to %s (%d grant(s) revoked)", user, oldRel, newRel, n)
	return nil
}

// handleShare grants another user access to one of the caller's files.
//
// Request: filename, target username. Response: result; failure when the
// file is missing, the target is the caller, or the target has never
// connected. Granting twice succeeds without duplicating the grant.
func (c *ShareboxConnection) handleShare(ctx context.Context) (error, error) {
	name, err := c.readField()
	if err != nil {
		return nil, err
	}
	target, err := c.readField()
	if err != nil {
		return nil, err
	}

	opErr := c.shareFile(ctx, name, target)
	return opErr, c.reply(opErr)
}

func (c *ShareboxConnection) shareFile(ctx context.Context, name, target string) error {
	user := c.session.Username

	if target == user {
		return errSelfShare
	}
	if err := store.ValidateOwner(target); err != nil {
		return err
	}
	rel, err := store.CleanPath(name)
	if err != nil {
		return err
	}
	if _, err := c.server.files.Stat(ctx, user, rel); err != nil {
		return err
	}

	token := sharing.Token(user, rel)
	if !sharing.ValidToken(token) {
		return fmt.Errorf("%w: %q", sharing.ErrInvalidToken, token)
	}
	if err := c.server.shares.Grant(ctx, target, token); err != nil {
		if !errors.Is(err, sharing.ErrUserNotFound) {
			logger.Error("Failed to grant %s to %s: %v", token, target, err)
		}
		return err
	}

	logger.Info("User %s shared %s with %s", user, rel, target)
	return nil
}

// handleRevoke removes every grant the caller made on a file.
//
// Request: filename. Response: result; failure when nothing was granted.
func (c *ShareboxConnection) handleRevoke(ctx context.Context) (error, error) {
	name, err := c.readField()
	if err != nil {
		return nil, err
	}

	opErr := c.revokeFile(ctx, name)
	return opErr, c.reply(opErr)
}

func (c *ShareboxConnection) revokeFile(ctx context.Context, name string) error {
	user := c.session.Username

	rel, err := store.CleanPath(name)
	if err != nil {
		return err
	}

	token := sharing.Token(user, rel)
	n, err := c.server.shares.RevokeAll(ctx, token)
	if err != nil {
		logger.Error("Failed to revoke grants on %s: %v", token, err)
		return err
	}
	if n == 0 {
		return errNoGrants
	}

	logger.Info("User %s revoked %d grant(s) on %s", user, n, rel)
	return nil
}
