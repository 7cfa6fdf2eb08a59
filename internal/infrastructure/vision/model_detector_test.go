package vision

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"

	"anomaly-view/internal/domain/entity"
)

type fakeVisionClient struct {
	response string
	err      error
	gotModel string
	gotImage []byte
}

func (f *fakeVisionClient) Query(ctx context.Context, model, prompt string, img []byte) (string, error) {
	f.gotModel = model
	f.gotImage = img
	return f.response, f.err
}

func pngImage(t *testing.T, w, h int) *entity.UploadedImage {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return entity.NewUploadedImage("img", entity.CandidateFile{MediaType: "image/png", Data: buf.Bytes()}, w, h)
}

func TestModelDetector_ConvertsToNaturalPixels(t *testing.T) {
	client := &fakeVisionClient{response: "```json\n{\"anomalies\": [{\"label\": \"scratch\", \"confidence\": 0.9, \"box\": {\"x\": 0.25, \"y\": 0.5, \"w\": 0.1, \"h\": 0.2}},]}\n```"}
	d := NewModelDetector(client, "llava", 100, 85)

	got, err := d.Detect(context.Background(), pngImage(t, 400, 200))
	require.NoError(t, err)
	require.Equal(t, "llava", client.gotModel)
	require.NotEmpty(t, client.gotImage)

	require.Len(t, got, 1)
	require.Equal(t, 1, got[0].ID)
	require.InDelta(t, 100, got[0].X, 1e-9)
	require.InDelta(t, 100, got[0].Y, 1e-9)
	require.InDelta(t, 40, got[0].Width, 1e-9)
	require.InDelta(t, 40, got[0].Height, 1e-9)
}

func TestModelDetector_ClientError(t *testing.T) {
	d := NewModelDetector(&fakeVisionClient{err: errors.New("connection refused")}, "llava", 0, 85)
	_, err := d.Detect(context.Background(), pngImage(t, 10, 10))
	require.ErrorContains(t, err, "connection refused")
}

func TestModelDetector_NonJSON(t *testing.T) {
	d := NewModelDetector(&fakeVisionClient{response: "I see a cup."}, "llava", 0, 85)
	_, err := d.Detect(context.Background(), pngImage(t, 10, 10))
	require.Error(t, err)
}

func TestParseModelResponse_DropsEmptyAndClamps(t *testing.T) {
	boxes, err := parseModelResponse(`{
		// comment
		"anomalies": [
			{"box": {"x": 0.9, "y": 0.9, "w": 0.5, "h": 0.5}},
			{"box": {"x": 0.1, "y": 0.1, "w": 0, "h": 0.2}}
		]
	}`)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	require.InDelta(t, 0.1, boxes[0].W, 1e-9)
	require.InDelta(t, 0.1, boxes[0].H, 1e-9)
}

func TestParseModelResponse_Empty(t *testing.T) {
	boxes, err := parseModelResponse(`{"anomalies": []}`)
	require.NoError(t, err)
	require.Empty(t, boxes)
}

func TestParseModelResponse_KeepsSlashesInsideStrings(t *testing.T) {
	boxes, err := parseModelResponse(`{
		"anomalies": [
			{"label": "see http://example.com/a", "box": {"x": 0.1, "y": 0.1, "w": 0.2, "h": 0.2}}, // trailing
			/* block */ {"label": "a \"quoted\" // b", "box": {"x": 0.5, "y": 0.5, "w": 0.1, "h": 0.1}},
		]
	}`)
	require.NoError(t, err)
	require.Len(t, boxes, 2)
	require.InDelta(t, 0.5, boxes[1].X, 1e-9)
}

func TestStripComments(t *testing.T) {
	require.Equal(t, "{\n\n\"u\": \"http://x\" \n}", stripComments("{\n// head\n\"u\": \"http://x\" // tail\n}"))
	require.Equal(t, `{"a": 1 }`, stripComments(`{"a": 1 /* x */}`))
}
