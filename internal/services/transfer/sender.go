package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/services/fallback"
)

// Route says how a file reached its recipient.
type Route string

const (
	RouteDirect Route = "direct"
	RouteRelay  Route = "relay"
)

// Delivery is the outcome of Sender.SendFile.
type Delivery struct {
	Route  Route
	Record domain.TransferRecord
	// FileID is set for relay deliveries.
	FileID domain.FileID
	// DirectErr is why the direct attempt did not complete, if it ran.
	DirectErr error
}

// Sender picks a route per file: a direct transfer when a manager is
// configured, and the relay when that is unavailable or fails for any
// reason other than an explicit decline.
type Sender struct {
	direct   *Manager
	fallback *fallback.Service
	log      *logging.Logger
}

// NewSender combines the two routes. Either may be nil, but not both.
func NewSender(direct *Manager, fb *fallback.Service, log *logging.Logger) *Sender {
	return &Sender{direct: direct, fallback: fb, log: log}
}

// Describe builds FileMeta for src by hashing it, then rewinds it.
func Describe(name string, src io.ReadSeeker) (domain.FileMeta, error) {
	h := crypto.NewDigest()
	n, err := io.Copy(h, src)
	if err != nil {
		return domain.FileMeta{}, fmt.Errorf("hash %s: %w", name, err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return domain.FileMeta{}, err
	}
	mt := mime.TypeByExtension(filepath.Ext(name))
	if mt == "" {
		mt = "application/octet-stream"
	}
	return domain.FileMeta{
		Name:          filepath.Base(name),
		Size:          n,
		MimeType:      mt,
		ContentDigest: crypto.FormatDigest(h),
	}, nil
}

// SendFile delivers src to peer.
func (s *Sender) SendFile(
	ctx context.Context,
	peer domain.Identity,
	meta domain.FileMeta,
	src io.ReadSeeker,
	progress domain.ProgressFunc,
) (Delivery, error) {
	var directErr error
	if s.direct != nil {
		res, err := s.direct.SendFile(ctx, peer, meta, src, progress)
		if err == nil {
			return Delivery{Route: RouteDirect, Record: res.Record}, nil
		}
		if ctx.Err() != nil || !domain.Fallbackable(err) || s.fallback == nil {
			return Delivery{Route: RouteDirect, Record: res.Record, DirectErr: err}, err
		}
		s.log.Noticef("Direct transfer of %s to %s failed (%v), using the relay.", meta.Name, peer, err)
		directErr = err
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return Delivery{DirectErr: directErr}, fmt.Errorf("rewind for relay: %w", err)
		}
	}
	if s.fallback == nil {
		return Delivery{}, errors.New("no transfer route configured")
	}

	id := domain.TransferID(uuid.NewString())
	fileID, err := s.fallback.SendDirect(ctx, id, peer, meta, src, progress)
	d := Delivery{
		Route:     RouteRelay,
		FileID:    fileID,
		DirectErr: directErr,
		Record: domain.TransferRecord{
			ID: id, Role: domain.RoleSender, Peer: peer, Meta: meta,
		},
	}
	if err != nil {
		d.Record.State = domain.StateFailed
		return d, err
	}
	d.Record.State = domain.StateClosed
	d.Record.SentBytes = meta.Size
	return d, nil
}

// SendRoom delivers src to every member of room. Rooms always use the
// relay.
func (s *Sender) SendRoom(
	ctx context.Context,
	room domain.RoomID,
	meta domain.FileMeta,
	src io.Reader,
	progress domain.ProgressFunc,
) (Delivery, error) {
	if s.fallback == nil {
		return Delivery{}, errors.New("relay fallback is disabled")
	}
	id := domain.TransferID(uuid.NewString())
	fileID, err := s.fallback.SendRoom(ctx, id, room, meta, src, progress)
	if err != nil {
		return Delivery{Route: RouteRelay}, err
	}
	return Delivery{
		Route:  RouteRelay,
		FileID: fileID,
		Record: domain.TransferRecord{ID: id, Role: domain.RoleSender, State: domain.StateClosed, Meta: meta, SentBytes: meta.Size},
	}, nil
}
