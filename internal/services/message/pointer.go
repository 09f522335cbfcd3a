package message

import (
	"encoding/json"

	"sealchat/internal/domain"
)

// pointerDoc is the plaintext body of a relay-delivered file
// notification.
type pointerDoc struct {
	File *domain.FilePointer `json:"sealchat_file"`
}

// EncodeFilePointer builds the message body announcing a relay upload.
func EncodeFilePointer(p domain.FilePointer) ([]byte, error) {
	return json.Marshal(pointerDoc{File: &p})
}

// ParseFilePointer reports whether plaintext is a file pointer and
// returns it.
func ParseFilePointer(plaintext []byte) (domain.FilePointer, bool) {
	if len(plaintext) == 0 || plaintext[0] != '{' {
		return domain.FilePointer{}, false
	}
	var doc pointerDoc
	if err := json.Unmarshal(plaintext, &doc); err != nil || doc.File == nil || doc.File.FileID == "" {
		return domain.FilePointer{}, false
	}
	return *doc.File, true
}
