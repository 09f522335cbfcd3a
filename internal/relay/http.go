package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"sealchat/internal/domain"
)

// HTTP talks to the relay server over JSON/HTTP.
type HTTP struct {
	Base string
	HTTP *http.Client
}

func NewHTTP(base string) *HTTP { return &HTTP{Base: base, HTTP: http.DefaultClient} }

// PublishPublicKey registers our PKIX-encoded public key with the key
// directory.
func (c *HTTP) PublishPublicKey(ctx context.Context, id domain.Identity, der []byte) error {
	return c.post(ctx, "/keys/"+url.PathEscape(id.String()), keyDoc{PublicKey: der}, nil)
}

// FetchPublicKey implements domain.KeyDirectory.
func (c *HTTP) FetchPublicKey(ctx context.Context, id domain.Identity) ([]byte, error) {
	var out keyDoc
	if err := c.getJSON(ctx, "/keys/"+url.PathEscape(id.String()), &out); err != nil {
		return nil, err
	}
	if len(out.PublicKey) == 0 {
		return nil, fmt.Errorf("key for %s: %w", id, domain.ErrNotFound)
	}
	return out.PublicKey, nil
}

// Members implements domain.MembershipSource.
func (c *HTTP) Members(ctx context.Context, room domain.RoomID) ([]domain.Identity, error) {
	var out struct {
		Members []domain.Identity `json:"members"`
	}
	if err := c.getJSON(ctx, "/rooms/"+url.PathEscape(room.String())+"/members", &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

// Deliver implements domain.Deliverer.
func (c *HTTP) Deliver(ctx context.Context, req domain.DeliverRequest) (bool, error) {
	var out struct {
		Delivered bool `json:"delivered"`
	}
	if err := c.post(ctx, "/msg", req, &out); err != nil {
		return false, err
	}
	return out.Delivered, nil
}

// FetchMessages implements domain.MessageSource.
func (c *HTTP) FetchMessages(ctx context.Context, me domain.Identity, limit int) ([]domain.InboundMessage, error) {
	path := "/msg/" + url.PathEscape(me.String())
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var msgs []domain.InboundMessage
	if err := c.getJSON(ctx, path, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// AckMessages implements domain.MessageSource.
func (c *HTTP) AckMessages(ctx context.Context, me domain.Identity, count int) error {
	return c.post(ctx, "/msg/"+url.PathEscape(me.String())+"/ack", struct {
		Count int `json:"count"`
	}{Count: count}, nil)
}

// SendSignal implements domain.SignalingRelay.
func (c *HTTP) SendSignal(ctx context.Context, sig domain.Signal) error {
	return c.post(ctx, "/signal/"+url.PathEscape(sig.To.String()), sig, nil)
}

// FetchSignals implements domain.SignalSource. Fetched signals are
// removed from the relay queue.
func (c *HTTP) FetchSignals(ctx context.Context, me domain.Identity) ([]domain.Signal, error) {
	var sigs []domain.Signal
	if err := c.getJSON(ctx, "/signal/"+url.PathEscape(me.String()), &sigs); err != nil {
		return nil, err
	}
	return sigs, nil
}

// Upload implements domain.StorageRelay. The ciphertext is streamed as a
// multipart body; nothing is buffered in full.
func (c *HTTP) Upload(ctx context.Context, ur domain.UploadRequest, ciphertext io.Reader) (domain.FileID, error) {
	manifest, err := json.Marshal(uploadManifest{
		IV:          ur.IV,
		WrappedKeys: ur.WrappedKeys,
		Meta:        ur.Meta,
		Size:        ur.CiphertextSize,
	})
	if err != nil {
		return "", err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUpload(mw, manifest, ciphertext)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+"/files", pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("%w: relay upload: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if err := statusError(http.MethodPost, "/files", resp); err != nil {
		return "", err
	}
	var out struct {
		FileID domain.FileID `json:"file_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.FileID == "" {
		return "", errors.New("relay upload: empty file id")
	}
	return out.FileID, nil
}

func writeUpload(mw *multipart.Writer, manifest []byte, ciphertext io.Reader) error {
	if err := mw.WriteField("manifest", string(manifest)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("ciphertext", "blob")
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, ciphertext); err != nil {
		return err
	}
	return mw.Close()
}

// Fetch implements domain.StorageRelay.
func (c *HTTP) Fetch(ctx context.Context, id domain.FileID, self domain.Identity) (domain.StoredFile, error) {
	var out domain.StoredFile
	path := "/files/" + url.PathEscape(id.String()) + "?for=" + url.QueryEscape(self.String())
	if err := c.getJSON(ctx, path, &out); err != nil {
		return domain.StoredFile{}, err
	}
	return out, nil
}

type keyDoc struct {
	PublicKey []byte `json:"public_key"`
}

type uploadManifest struct {
	IV          []byte                     `json:"iv"`
	WrappedKeys map[domain.Identity][]byte `json:"wrapped_keys"`
	Meta        domain.FileMeta            `json:"meta"`
	Size        int64                      `json:"size"`
}

func (c *HTTP) post(ctx context.Context, path string, in any, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: relay post %s: %v", domain.ErrNetwork, path, err)
	}
	defer resp.Body.Close()
	if err := statusError(http.MethodPost, path, resp); err != nil {
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTP) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: relay get %s: %v", domain.ErrNetwork, path, err)
	}
	defer resp.Body.Close()
	if err := statusError(http.MethodGet, path, resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(method, path string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("relay %s %s: %w", method, path, domain.ErrNotFound)
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("relay %s %s: %s", method, path, resp.Status)
	}
	return nil
}

var (
	_ domain.Deliverer        = (*HTTP)(nil)
	_ domain.KeyDirectory     = (*HTTP)(nil)
	_ domain.MembershipSource = (*HTTP)(nil)
	_ domain.SignalingRelay   = (*HTTP)(nil)
	_ domain.SignalSource     = (*HTTP)(nil)
	_ domain.MessageSource    = (*HTTP)(nil)
	_ domain.StorageRelay     = (*HTTP)(nil)
)
