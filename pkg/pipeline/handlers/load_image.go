package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
)

const (
	defaultImageSource = "image_path"
	maxImageBytes      = 20 << 20
)

// LoadImageHandler reads the image artifact named by the "source" context
// key and stores it as an llm.Image under "key". The source may hold a file
// path, raw bytes or an already decoded image. Anything that is not a
// readable image is an input fault.
type LoadImageHandler struct{}

func (h *LoadImageHandler) Handle(_ context.Context, node *pipeline.Node, pctx *pipeline.PipelineContext) (pipeline.Update, error) {
	key := node.Attrs["key"]
	if key == "" {
		return nil, fmt.Errorf("load_image node %q: missing required 'key' attribute", node.ID)
	}
	source := node.Attrs["source"]
	if source == "" {
		source = defaultImageSource
	}

	var data []byte
	switch v := valueOf(pctx, source).(type) {
	case nil:
		return nil, pipeline.InputError(fmt.Errorf("load_image node %q: no image supplied in %q", node.ID, source))
	case llm.Image:
		return pipeline.Update{key: v}, nil
	case *llm.Image:
		return pipeline.Update{key: *v}, nil
	case []byte:
		data = v
	case string:
		path := strings.TrimSpace(v)
		if path == "" {
			return nil, pipeline.InputError(fmt.Errorf("load_image node %q: %q is empty", node.ID, source))
		}
		b, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, pipeline.InputError(fmt.Errorf("load_image node %q: image %q not found", node.ID, path))
			}
			return nil, pipeline.InputError(fmt.Errorf("load_image node %q: read %q: %w", node.ID, path, err))
		}
		data = b
	default:
		return nil, pipeline.InputError(fmt.Errorf("load_image node %q: %q holds %T, want a path or image bytes", node.ID, source, v))
	}

	img, err := sniffImage(data)
	if err != nil {
		return nil, pipeline.InputError(fmt.Errorf("load_image node %q: %w", node.ID, err))
	}
	return pipeline.Update{key: img}, nil
}

// sniffImage checks that data is a non-empty image of a supported size.
func sniffImage(data []byte) (llm.Image, error) {
	if len(data) == 0 {
		return llm.Image{}, errors.New("image is empty")
	}
	if len(data) > maxImageBytes {
		return llm.Image{}, fmt.Errorf("image is %d bytes, limit is %d", len(data), maxImageBytes)
	}
	mediaType := http.DetectContentType(data)
	if !strings.HasPrefix(mediaType, "image/") {
		return llm.Image{}, fmt.Errorf("content is %s, not an image", mediaType)
	}
	return llm.Image{MediaType: mediaType, Data: data}, nil
}
