package extract

import (
	"fmt"
	"strings"
	"testing"

	"github.com/antonholmquist/jason"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseDoc(t *testing.T, raw string) *jason.Object {
	t.Helper()
	doc, err := jason.NewObjectFromBytes([]byte(raw))
	require.NoError(t, err)
	return doc
}

// validB64 returns a base64-looking string of at least n characters.
func validB64(n int) string {
	return strings.Repeat("ABCD", (n+3)/4)
}

func TestRunDataStrategy(t *testing.T) {
	t.Parallel()

	raw := fmt.Sprintf(`{
		"data": {
			"resultData": {
				"runData": {
					"Analizar Imagen": [
						{"data": {"main": [[
							{"json": {
								"analisis": "riesgo alto, intruso detectado 92%%",
								"imagen": %q,
								"device_id": "cam-entrada-01",
								"estado": "success"
							}}
						]]}}
					]
				}
			}
		}
	}`, validB64(64))

	frags := Run(parseDoc(t, raw))
	require.NotNil(t, frags)
	assert.Equal(t, "run-data", frags.Strategy)
	assert.Equal(t, "riesgo alto, intruso detectado 92%", frags.AnalysisText)
	assert.Equal(t, "cam-entrada-01", frags.DeviceID)
	assert.Equal(t, "success", frags.Status)
	assert.NotEmpty(t, frags.ImageB64)
}

func TestFlatOutputStrategy(t *testing.T) {
	t.Parallel()

	raw := fmt.Sprintf(`{
		"output": {
			"analysis": "medium risk, unidentified person",
			"image": %q,
			"cameraId": "cam-07",
			"detections": [
				{"class": "person", "confidence": 0.87, "boundingBox": "10,20,110,220"},
				{"clase": "vehiculo", "confianza": 0.55, "bbox": "0,0,50,50"},
				{"confidence": 0.99}
			],
			"notification": {"sent": true, "message_id": "tg-123", "sent_at": "2026-08-29T10:00:00Z"}
		}
	}`, validB64(64))

	frags := Run(parseDoc(t, raw))
	require.NotNil(t, frags)
	assert.Equal(t, "flat-output", frags.Strategy)
	assert.Equal(t, "medium risk, unidentified person", frags.AnalysisText)
	assert.Equal(t, "cam-07", frags.CameraID)

	require.Len(t, frags.Detections, 2, "detection without class is dropped")
	assert.Equal(t, "person", frags.Detections[0].Class)
	assert.InDelta(t, 0.87, frags.Detections[0].Confidence, 0.001)
	assert.Equal(t, "vehiculo", frags.Detections[1].Class)
	assert.Equal(t, "0,0,50,50", frags.Detections[1].BoundingBox)

	require.NotNil(t, frags.Notification)
	assert.True(t, frags.Notification.Sent)
	assert.Equal(t, "tg-123", frags.Notification.MessageID)
	require.NotNil(t, frags.Notification.SentAt)
}

func TestRecursiveScanStrategy(t *testing.T) {
	t.Parallel()

	longImage := validB64(minEmbeddedImageLen)
	raw := fmt.Sprintf(`{
		"nivel1": {
			"nivel2": [
				{"campo_sin_nombre": %q},
				{"otro": "se detectó una amenaza en el perímetro"},
				{"device_id": "sensor-9"}
			]
		},
		"ruido": "ok"
	}`, longImage)

	frags := Run(parseDoc(t, raw))
	require.NotNil(t, frags)
	assert.Equal(t, "recursive-scan", frags.Strategy)
	assert.Equal(t, longImage, frags.ImageB64)
	assert.Equal(t, "se detectó una amenaza en el perímetro", frags.AnalysisText)
	assert.Equal(t, "sensor-9", frags.DeviceID)
}

func TestRecursiveScanPrefersLongestImage(t *testing.T) {
	t.Parallel()

	small := validB64(minEmbeddedImageLen)
	large := validB64(minEmbeddedImageLen * 2)
	raw := fmt.Sprintf(`{"a": %q, "b": %q}`, small, large)

	frags := Run(parseDoc(t, raw))
	require.NotNil(t, frags)
	assert.Equal(t, large, frags.ImageB64)
}

func TestStrategyOrderIsStable(t *testing.T) {
	t.Parallel()

	// A payload matched by run-data must not be reinterpreted by a later
	// strategy even though the recursive scan would also find the image.
	raw := fmt.Sprintf(`{
		"data": {"resultData": {"runData": {
			"Nodo": [{"data": {"main": [[{"json": {"analisis": "sin riesgo, normal"}}]]}}]
		}}},
		"suelto": %q
	}`, validB64(minEmbeddedImageLen))

	frags := Run(parseDoc(t, raw))
	require.NotNil(t, frags)
	assert.Equal(t, "run-data", frags.Strategy)
	assert.Empty(t, frags.ImageB64)
}

func TestRunReturnsNilWhenNothingFound(t *testing.T) {
	t.Parallel()

	frags := Run(parseDoc(t, `{"x": 1, "y": true, "z": "corto"}`))
	assert.Nil(t, frags)
}

func TestStripDataURI(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "QUJDRA==", StripDataURI("data:image/png;base64,QUJDRA=="))
	assert.Equal(t, "QUJDRA==", StripDataURI("QUJDRA=="))
	assert.Equal(t, "data:text/plain,hola", StripDataURI("data:text/plain,hola"))
}

func TestLooksLikeBase64(t *testing.T) {
	t.Parallel()

	assert.True(t, looksLikeBase64(validB64(64)))
	assert.True(t, looksLikeBase64("data:image/jpeg;base64,"+validB64(64)))
	assert.False(t, looksLikeBase64("too short"))
	assert.False(t, looksLikeBase64("esta frase no es base64 válido porque tiene espacios y acentos"))
}
