package types

// FileMeta describes a file being transferred.
type FileMeta struct {
	Name          string `json:"name" cbor:"n"`
	Size          int64  `json:"size" cbor:"s"`
	MimeType      string `json:"mime_type" cbor:"t"`
	ContentDigest string `json:"content_digest" cbor:"h"`
}

// FilePointer is the small notification sent through the messaging path
// after a relay upload. Recipients fetch and decrypt on demand.
type FilePointer struct {
	FileID        FileID `json:"file_id"`
	Name          string `json:"name"`
	Size          int64  `json:"size"`
	MimeType      string `json:"mime_type"`
	ContentDigest string `json:"content_digest"`
}

// Meta returns the pointer's file metadata.
func (p FilePointer) Meta() FileMeta {
	return FileMeta{Name: p.Name, Size: p.Size, MimeType: p.MimeType, ContentDigest: p.ContentDigest}
}

// UploadRequest is what the relay fallback hands to the storage relay.
// Ciphertext is streamed so progress can be reported incrementally.
type UploadRequest struct {
	IV             []byte
	WrappedKeys    map[Identity][]byte
	Meta           FileMeta
	CiphertextSize int64
}

// StoredFile is what the storage relay returns for one recipient.
type StoredFile struct {
	Ciphertext []byte   `json:"ciphertext"`
	IV         []byte   `json:"iv"`
	WrappedKey []byte   `json:"wrapped_key"`
	Meta       FileMeta `json:"meta"`
}
