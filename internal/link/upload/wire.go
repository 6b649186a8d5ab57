package upload

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/applinkdev/applink/internal/link/change"
)

// Response codes the builder sends in the code field.
const (
	CodeAccepted            = "build.accepted"
	CodeInitialLinkRequired = "initial_link_required"
)

// Options are forwarded to the builder with every upload.
type Options struct {
	// CleanCache asks the builder to drop its cached dependencies.
	CleanCache bool `json:"cleanCache"`
	// Unsafe reports type errors as warnings instead of failing the build.
	Unsafe bool `json:"unsafe"`
	// Sticky pins the build to the same builder instance.
	Sticky bool `json:"sticky"`
}

type wireChange struct {
	Path    string  `json:"path"`
	Content *string `json:"content,omitempty"` // base64, nil for removals
	Action  string  `json:"action"`
}

type request struct {
	Tag     string       `json:"tag,omitempty"`
	Options Options      `json:"options"`
	Changes []wireChange `json:"changes"`
}

type response struct {
	Code    string `json:"code"`
	BuildID string `json:"buildId,omitempty"`
	Message string `json:"message,omitempty"`
}

// Ack is the builder's acknowledgement of an upload.
type Ack struct {
	// Accepted is false when the builder answered with a code this client
	// does not know, usually because the builder is out of date.
	Accepted bool
	BuildID  string
	Code     string
	Message  string

	// Skipped is true when every change in the batch was suppressed and no
	// request was made.
	Skipped bool
}

// saveChange keeps empty content on the wire; truncating a file to zero
// bytes is a real save.
func saveChange(path string, content []byte) wireChange {
	encoded := base64.StdEncoding.EncodeToString(content)
	return wireChange{Path: path, Content: &encoded, Action: change.Save.String()}
}

func removeChange(path string) wireChange {
	return wireChange{Path: path, Action: change.Remove.String()}
}

// encode returns the gzip-compressed JSON body for req.
func encode(req *request) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to encode upload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress upload: %w", err)
	}
	return buf.Bytes(), nil
}
