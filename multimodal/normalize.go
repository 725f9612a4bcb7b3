// Package multimodal turns the supported request shapes (multipart forms with
// indexed or legacy image fields, JSON with an images array or a legacy single
// image object) into one canonical input: trimmed text plus ordered images.
package multimodal

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/ghiac/questmind/model"
)

// Options bounds what a single request may carry
type Options struct {
	MaxImages     int
	MaxImageBytes int64
	// MaxMemory is passed to ParseMultipartForm
	MaxMemory int64
}

// DefaultOptions returns the limits used when none are configured
func DefaultOptions() Options {
	return Options{
		MaxImages:     10,
		MaxImageBytes: 10 << 20,
		MaxMemory:     32 << 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxImages <= 0 {
		o.MaxImages = d.MaxImages
	}
	if o.MaxImageBytes <= 0 {
		o.MaxImageBytes = d.MaxImageBytes
	}
	if o.MaxMemory <= 0 {
		o.MaxMemory = d.MaxMemory
	}
	return o
}

// Input is the canonical, validated form of a user submission
type Input struct {
	Text     string
	ThreadID string
	Images   []model.Image
}

// HasImages reports whether any image was attached
func (in *Input) HasImages() bool {
	return len(in.Images) > 0
}

// FromRequest dispatches on Content-Type: multipart forms go to FromMultipart,
// everything else is read as JSON.
func FromRequest(r *http.Request, opts Options) (*Input, error) {
	opts = opts.withDefaults()
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(opts.MaxMemory); err != nil {
			return nil, model.NewValidationError("body", "malformed multipart form: "+err.Error())
		}
		return FromMultipart(r.MultipartForm, opts)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, opts.MaxImageBytes*int64(opts.MaxImages)*2+1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return FromJSON(body, opts)
}

// FromMultipart normalizes a parsed multipart form. Indexed files are read
// from image_0..image_{n-1} (or images[0]..); n comes from imageCount when
// present, otherwise indices are scanned until the first gap. The legacy
// "image" field is used only when no indexed image exists.
func FromMultipart(form *multipart.Form, opts Options) (*Input, error) {
	opts = opts.withDefaults()
	if form == nil {
		return nil, model.NewValidationError("message", "message is required")
	}

	in := &Input{
		Text:     strings.TrimSpace(formValue(form, "message")),
		ThreadID: strings.TrimSpace(formValue(form, "threadId")),
	}
	if in.Text == "" {
		return nil, model.NewValidationError("message", "message is required")
	}

	var raws []rawImage
	count := -1
	if v := strings.TrimSpace(formValue(form, "imageCount")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, model.NewValidationError("imageCount", "must be a non-negative integer")
		}
		count = n
	}
	if count > opts.MaxImages {
		return nil, model.NewValidationError("imageCount", fmt.Sprintf("at most %d images are allowed", opts.MaxImages))
	}

	for i := 0; count < 0 || i < count; i++ {
		fh, field := indexedFile(form, i)
		if fh == nil {
			if count >= 0 {
				return nil, model.NewValidationError(fmt.Sprintf("image_%d", i), "declared by imageCount but missing")
			}
			break
		}
		if len(raws) == opts.MaxImages {
			return nil, model.NewValidationError("images", fmt.Sprintf("at most %d images are allowed", opts.MaxImages))
		}
		raws = append(raws, fileImage(field, fh))
	}

	if len(raws) == 0 {
		if files := form.File["image"]; len(files) > 0 {
			raws = append(raws, fileImage("image", files[0]))
		}
	}

	images, err := decodeAll(raws, opts)
	if err != nil {
		return nil, err
	}
	in.Images = images
	return in, nil
}

// jsonImage accepts the field spellings seen from clients
type jsonImage struct {
	Data      string `json:"data"`
	Payload   string `json:"payload"`
	Base64    string `json:"base64"`
	MimeType  string `json:"mimeType"`
	MimeType2 string `json:"mime_type"`
}

func (j jsonImage) encoded() string {
	switch {
	case j.Data != "":
		return j.Data
	case j.Payload != "":
		return j.Payload
	}
	return j.Base64
}

func (j jsonImage) declared() string {
	if j.MimeType != "" {
		return j.MimeType
	}
	return j.MimeType2
}

type jsonBody struct {
	Message    string          `json:"message"`
	ThreadID   string          `json:"threadId"`
	ImagesData []jsonImage     `json:"imagesData"`
	Images     []jsonImage     `json:"images"`
	ImageData  json.RawMessage `json:"imageData"`
	Image      json.RawMessage `json:"image"`
}

// FromJSON normalizes a JSON body. The images array (imagesData or images)
// wins; the legacy single object (imageData or image) is used only when the
// array is empty. A legacy value may also be a bare base64 or data-URL string.
func FromJSON(body []byte, opts Options) (*Input, error) {
	opts = opts.withDefaults()

	var req jsonBody
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, model.NewValidationError("message", "message is required")
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, model.NewValidationError("body", "malformed JSON: "+err.Error())
	}

	in := &Input{
		Text:     strings.TrimSpace(req.Message),
		ThreadID: strings.TrimSpace(req.ThreadID),
	}
	if in.Text == "" {
		return nil, model.NewValidationError("message", "message is required")
	}

	list, listField := req.ImagesData, "imagesData"
	if len(list) == 0 {
		list, listField = req.Images, "images"
	}
	if len(list) > opts.MaxImages {
		return nil, model.NewValidationError(listField, fmt.Sprintf("at most %d images are allowed", opts.MaxImages))
	}

	var raws []rawImage
	for i, img := range list {
		raws = append(raws, encodedImage(fmt.Sprintf("%s[%d]", listField, i), img.encoded(), img.declared()))
	}

	if len(raws) == 0 {
		for _, legacy := range []struct {
			field string
			raw   json.RawMessage
		}{{"imageData", req.ImageData}, {"image", req.Image}} {
			img, ok, err := parseLegacy(legacy.raw)
			if err != nil {
				return nil, model.NewValidationError(legacy.field, err.Error())
			}
			if ok {
				raws = append(raws, encodedImage(legacy.field, img.encoded(), img.declared()))
				break
			}
		}
	}

	images, err := decodeAll(raws, opts)
	if err != nil {
		return nil, err
	}
	in.Images = images
	return in, nil
}

func parseLegacy(raw json.RawMessage) (jsonImage, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return jsonImage{}, false, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return jsonImage{}, false, err
		}
		if s == "" {
			return jsonImage{}, false, nil
		}
		return jsonImage{Data: s}, true, nil
	}
	var img jsonImage
	if err := json.Unmarshal(raw, &img); err != nil {
		return jsonImage{}, false, fmt.Errorf("must be an object with data and mimeType")
	}
	if img.encoded() == "" {
		return jsonImage{}, false, nil
	}
	return img, true, nil
}

func formValue(form *multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func indexedFile(form *multipart.Form, i int) (*multipart.FileHeader, string) {
	for _, field := range []string{fmt.Sprintf("image_%d", i), fmt.Sprintf("images[%d]", i)} {
		if files := form.File[field]; len(files) > 0 {
			return files[0], field
		}
	}
	return nil, ""
}

// decodeBase64 accepts standard, unpadded and URL-safe alphabets and data URLs.
// It returns the MIME type carried by a data URL, if any.
func decodeBase64(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	var mimeType string
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("malformed data URL")
		}
		meta := s[len("data:"):comma]
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("data URL must be base64 encoded")
		}
		mimeType = strings.TrimSuffix(meta, ";base64")
		s = s[comma+1:]
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(s); err == nil {
			return data, mimeType, nil
		}
	}
	return nil, "", fmt.Errorf("payload is not valid base64")
}
