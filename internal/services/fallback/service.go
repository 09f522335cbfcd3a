package fallback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/op/go-logging.v1"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/metrics"
	"sealchat/internal/protocol/envelope"
	"sealchat/internal/services/message"
	"sealchat/internal/util/memzero"
)

// Service sends files through the storage relay: the file is encrypted
// once, its key is wrapped for every recipient, and a file pointer is
// announced through the messaging path.
type Service struct {
	keys     domain.KeyService
	audience domain.AudienceResolver
	storage  domain.StorageRelay
	messages domain.MessageService
	log      *logging.Logger
}

// New wires the fallback path.
func New(
	keys domain.KeyService,
	audience domain.AudienceResolver,
	storage domain.StorageRelay,
	messages domain.MessageService,
	log *logging.Logger,
) *Service {
	return &Service{keys: keys, audience: audience, storage: storage, messages: messages, log: log}
}

// SendDirect uploads r for peer and the local user, then messages peer a
// pointer to it.
func (s *Service) SendDirect(
	ctx context.Context,
	id domain.TransferID,
	peer domain.Identity,
	meta domain.FileMeta,
	r io.Reader,
	progress domain.ProgressFunc,
) (domain.FileID, error) {
	fileID, meta, err := s.upload(ctx, id, []domain.Identity{peer}, meta, r, progress)
	if err != nil {
		return "", err
	}
	ptr, err := pointer(fileID, meta)
	if err != nil {
		return "", err
	}
	if err := s.messages.SendDirect(ctx, peer, ptr); err != nil {
		return fileID, fmt.Errorf("announce %s to %s: %w", fileID, peer, err)
	}
	return fileID, nil
}

// SendRoom uploads r for the whole room audience and messages the room a
// pointer to it.
func (s *Service) SendRoom(
	ctx context.Context,
	id domain.TransferID,
	room domain.RoomID,
	meta domain.FileMeta,
	r io.Reader,
	progress domain.ProgressFunc,
) (domain.FileID, error) {
	ids, err := s.audience.ResolveRoomAudience(ctx, room)
	if err != nil {
		return "", err
	}
	fileID, meta, err := s.upload(ctx, id, ids, meta, r, progress)
	if err != nil {
		return "", err
	}
	ptr, err := pointer(fileID, meta)
	if err != nil {
		return "", err
	}
	if err := s.messages.SendRoom(ctx, room, ptr); err != nil {
		return fileID, fmt.Errorf("announce %s to room %s: %w", fileID, room, err)
	}
	return fileID, nil
}

func (s *Service) upload(
	ctx context.Context,
	id domain.TransferID,
	recipients []domain.Identity,
	meta domain.FileMeta,
	r io.Reader,
	progress domain.ProgressFunc,
) (domain.FileID, domain.FileMeta, error) {
	self, err := s.keys.PrivateKey()
	if err != nil {
		return "", meta, err
	}

	var others []domain.Identity
	for _, rid := range recipients {
		if rid != self.Identity {
			others = append(others, rid)
		}
	}
	pubs, err := s.audience.EnsureAllKeysKnown(ctx, others, true)
	if err != nil {
		return "", meta, err
	}
	if pubs == nil {
		pubs = make(map[domain.Identity]domain.X25519Public, 1)
	}
	pubs[self.Identity] = self.Public

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", meta, fmt.Errorf("read file: %w", err)
	}
	if meta.ContentDigest == "" {
		meta.ContentDigest = crypto.ContentDigest(plaintext)
	}
	meta.Size = int64(len(plaintext))

	fileKey, iv, ciphertext, err := envelope.SealBody(plaintext)
	if err != nil {
		return "", meta, err
	}
	defer memzero.Zero(fileKey)
	wrapped, err := envelope.WrapForAll(pubs, fileKey)
	if err != nil {
		return "", meta, err
	}

	req := domain.UploadRequest{
		IV:             iv,
		WrappedKeys:    wrapped,
		Meta:           meta,
		CiphertextSize: int64(len(ciphertext)),
	}
	body := &countingReader{
		r:     bytes.NewReader(ciphertext),
		total: int64(len(ciphertext)),
		fn: func(done, total int64) {
			if progress != nil {
				progress(domain.Progress{TransferID: id, Done: done, Total: total})
			}
		},
	}

	fileID, err := s.storage.Upload(ctx, req, body)
	if err != nil {
		metrics.FallbackUploads.WithLabelValues("failed").Inc()
		if ctx.Err() != nil {
			return "", meta, ctx.Err()
		}
		return "", meta, fmt.Errorf("%w: %v", domain.ErrRelayUploadFailure, err)
	}
	metrics.FallbackUploads.WithLabelValues("ok").Inc()
	s.log.Infof("Uploaded %s (%d bytes) as %s for %d recipient(s).", meta.Name, meta.Size, fileID, len(wrapped))
	return fileID, meta, nil
}

// Fetch downloads, unwraps and decrypts a relay-stored file. On a digest
// mismatch the plaintext is still returned alongside an error matching
// domain.ErrIntegrityMismatch.
func (s *Service) Fetch(ctx context.Context, id domain.FileID) ([]byte, domain.FileMeta, error) {
	key, err := s.keys.PrivateKey()
	if err != nil {
		return nil, domain.FileMeta{}, err
	}
	stored, err := s.storage.Fetch(ctx, id, key.Identity)
	if err != nil {
		return nil, domain.FileMeta{}, err
	}

	fileKey, err := envelope.UnwrapFor(key, stored.WrappedKey)
	if err != nil {
		return nil, stored.Meta, err
	}
	defer memzero.Zero(fileKey)
	plaintext, err := envelope.OpenBody(fileKey, stored.IV, stored.Ciphertext)
	if err != nil {
		return nil, stored.Meta, err
	}

	if want := stored.Meta.ContentDigest; want != "" {
		if got := crypto.ContentDigest(plaintext); !crypto.DigestsEqual(want, got) {
			s.log.Warningf("File %s digest mismatch: got %s, announced %s.", id, got, want)
			return plaintext, stored.Meta, fmt.Errorf("%w: file %s", domain.ErrIntegrityMismatch, id)
		}
	}
	return plaintext, stored.Meta, nil
}

// FetchPointer fetches the file a pointer message refers to.
func (s *Service) FetchPointer(ctx context.Context, p domain.FilePointer) ([]byte, error) {
	b, _, err := s.Fetch(ctx, p.FileID)
	if err != nil && !errors.Is(err, domain.ErrIntegrityMismatch) {
		return nil, err
	}
	return b, err
}

func pointer(id domain.FileID, meta domain.FileMeta) ([]byte, error) {
	return message.EncodeFilePointer(domain.FilePointer{
		FileID:        id,
		Name:          meta.Name,
		Size:          meta.Size,
		MimeType:      meta.MimeType,
		ContentDigest: meta.ContentDigest,
	})
}

// countingReader reports progress after every read.
type countingReader struct {
	r     io.Reader
	n     int64
	total int64
	fn    func(done, total int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.fn(c.n, c.total)
	}
	return n, err
}
