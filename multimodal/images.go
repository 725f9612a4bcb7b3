package multimodal

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ghiac/questmind/model"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

// decodableFormats have a registered decoder, so their headers must parse
var decodableFormats = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// rawImage is an image before decoding and validation
type rawImage struct {
	field    string
	declared string
	load     func() ([]byte, string, error) // bytes plus any MIME type found while loading
}

func fileImage(field string, fh *multipart.FileHeader) rawImage {
	return rawImage{
		field:    field,
		declared: fh.Header.Get("Content-Type"),
		load: func() ([]byte, string, error) {
			f, err := fh.Open()
			if err != nil {
				return nil, "", err
			}
			defer f.Close()
			data, err := io.ReadAll(f)
			return data, "", err
		},
	}
}

func encodedImage(field, encoded, declared string) rawImage {
	return rawImage{
		field:    field,
		declared: declared,
		load: func() ([]byte, string, error) {
			if strings.TrimSpace(encoded) == "" {
				return nil, "", fmt.Errorf("image data is empty")
			}
			return decodeBase64(encoded)
		},
	}
}

// decodeAll loads and validates images concurrently; output keeps input order
func decodeAll(raws []rawImage, opts Options) ([]model.Image, error) {
	images := make([]model.Image, len(raws))
	if len(raws) == 0 {
		return images, nil
	}

	var g errgroup.Group
	g.SetLimit(4)
	for i, raw := range raws {
		i, raw := i, raw
		g.Go(func() error {
			img, err := decodeOne(raw, opts)
			if err != nil {
				return err
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func decodeOne(raw rawImage, opts Options) (model.Image, error) {
	data, embedded, err := raw.load()
	if err != nil {
		return model.Image{}, model.NewValidationError(raw.field, err.Error())
	}
	if len(data) == 0 {
		return model.Image{}, model.NewValidationError(raw.field, "image is empty")
	}
	if int64(len(data)) > opts.MaxImageBytes {
		return model.Image{}, model.NewValidationError(raw.field,
			fmt.Sprintf("image is %d bytes, limit is %d", len(data), opts.MaxImageBytes))
	}

	sniffed := mimetype.Detect(data)
	if !strings.HasPrefix(sniffed.String(), "image/") {
		return model.Image{}, model.NewValidationError(raw.field,
			fmt.Sprintf("content is %s, not an image", sniffed.String()))
	}

	mimeType := chooseMimeType(raw.declared, embedded, sniffed)
	if decodableFormats[baseType(sniffed.String())] {
		if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
			return model.Image{}, model.NewValidationError(raw.field, "corrupt image: "+err.Error())
		}
	}

	return model.Image{Data: data, MimeType: mimeType}, nil
}

// chooseMimeType prefers a declared image type, then one embedded in a data
// URL, then the sniffed type.
func chooseMimeType(declared, embedded string, sniffed *mimetype.MIME) string {
	for _, candidate := range []string{declared, embedded} {
		if t := baseType(candidate); strings.HasPrefix(t, "image/") {
			return t
		}
	}
	return baseType(sniffed.String())
}

func baseType(t string) string {
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return strings.ToLower(strings.TrimSpace(t))
}
