// strategies.go: ordered extraction strategies for the deep execution payload.
//
// Workflow versions do not agree on payload shape, so extraction tries a fixed,
// documented sequence of strategies until one yields data:
//
//  1. run-data: node run output under data.resultData.runData, the shape
//     produced by the original workflow engine
//  2. flat-output: named fields at the payload root or under "output", the
//     shape produced by newer workflow versions
//  3. recursive-scan: generic traversal classifying unlabeled strings
//     heuristically (very long base64 strings are candidate images, medium
//     strings with risk vocabulary are candidate analysis text)
//
// The order is part of the contract: a payload matched by an earlier strategy
// is never reinterpreted by a later one.
package extract

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
)

// Strategy attempts to pull fragments out of a parsed payload. ok is false
// when the strategy found nothing usable.
type Strategy interface {
	Name() string
	Extract(doc *jason.Object) (f *Fragments, ok bool)
}

// Strategies returns the strategy chain in its documented order.
func Strategies() []Strategy {
	return []Strategy{
		&runDataStrategy{},
		&flatOutputStrategy{},
		&recursiveScanStrategy{},
	}
}

// Run tries each strategy in order and returns the first non-empty result.
// A nil return means no strategy could locate anything.
func Run(doc *jason.Object) *Fragments {
	if doc == nil {
		return nil
	}
	for _, s := range Strategies() {
		if f, ok := s.Extract(doc); ok && !f.Empty() {
			f.Strategy = s.Name()
			return f
		}
	}
	return nil
}

// Field name sets shared by the named-path strategies. The source workflows
// are authored in Spanish and English, so both vocabularies appear.
var (
	imageKeys  = []string{"image", "imagen", "image_base64", "snapshot", "screenshot", "foto"}
	textKeys   = []string{"analysis", "analisis", "summary", "resumen", "description", "descripcion", "texto"}
	deviceKeys = []string{"device_id", "deviceId", "dispositivo"}
	cameraKeys = []string{"camera_id", "cameraId", "camara"}
	statusKeys = []string{"status", "estado"}
)

// minEmbeddedImageLen is the shortest base64 string treated as a candidate
// image by the recursive scan. Anything shorter is metadata, not pixels.
const minEmbeddedImageLen = 4096

// --- run-data strategy ---

type runDataStrategy struct{}

func (s *runDataStrategy) Name() string { return "run-data" }

func (s *runDataStrategy) Extract(doc *jason.Object) (*Fragments, bool) {
	runData, err := doc.GetObject("data", "resultData", "runData")
	if err != nil {
		return nil, false
	}

	f := &Fragments{}
	// Node iteration order is not deterministic, but each field is only
	// filled once and the workflows emit each field from exactly one node.
	for _, nodeRuns := range runData.Map() {
		runs, err := nodeRuns.Array()
		if err != nil {
			continue
		}
		for _, run := range runs {
			runObj, err := run.Object()
			if err != nil {
				continue
			}
			mains, err := runObj.GetValueArray("data", "main")
			if err != nil {
				continue
			}
			for _, main := range mains {
				items, err := main.Array()
				if err != nil {
					continue
				}
				for _, item := range items {
					itemObj, err := item.Object()
					if err != nil {
						continue
					}
					if jsonObj, err := itemObj.GetObject("json"); err == nil {
						harvestObject(jsonObj, f)
					}
				}
			}
		}
	}

	return f, !f.Empty()
}

// --- flat-output strategy ---

type flatOutputStrategy struct{}

func (s *flatOutputStrategy) Name() string { return "flat-output" }

func (s *flatOutputStrategy) Extract(doc *jason.Object) (*Fragments, bool) {
	f := &Fragments{}
	harvestObject(doc, f)
	if out, err := doc.GetObject("output"); err == nil {
		harvestObject(out, f)
	}
	return f, !f.Empty()
}

// --- recursive-scan strategy ---

type recursiveScanStrategy struct{}

func (s *recursiveScanStrategy) Name() string { return "recursive-scan" }

func (s *recursiveScanStrategy) Extract(doc *jason.Object) (*Fragments, bool) {
	f := &Fragments{}
	scanValueMap(doc.Map(), f)
	return f, !f.Empty()
}

func scanValueMap(m map[string]*jason.Value, f *Fragments) {
	for key, value := range m {
		scanValue(key, value, f)
	}
}

func scanValue(key string, value *jason.Value, f *Fragments) {
	if obj, err := value.Object(); err == nil {
		scanValueMap(obj.Map(), f)
		return
	}
	if arr, err := value.Array(); err == nil {
		for _, elem := range arr {
			scanValue(key, elem, f)
		}
		return
	}
	str, err := value.String()
	if err != nil {
		return
	}
	classifyString(key, str, f)
}

// classifyString applies the heuristics for unlabeled string values. Known
// key names still win over length heuristics so a short device id next to a
// long log line lands in the right place.
func classifyString(key, str string, f *Fragments) {
	lowerKey := strings.ToLower(key)
	switch {
	case containsKey(deviceKeys, lowerKey):
		setIfEmpty(&f.DeviceID, str)
		return
	case containsKey(cameraKeys, lowerKey):
		setIfEmpty(&f.CameraID, str)
		return
	}

	switch {
	case len(str) >= minEmbeddedImageLen && looksLikeBase64(str):
		// Longest candidate wins; workflows occasionally embed both a
		// full-size image and an inline preview.
		if len(str) > len(f.ImageB64) {
			f.ImageB64 = str
		}
	case len(str) >= 20 && len(str) < minEmbeddedImageLen && containsRiskVocabulary(str):
		setIfEmpty(&f.AnalysisText, str)
	}
}

// --- shared harvesting helpers ---

// harvestObject copies known named fields from obj into f, filling each
// fragment at most once.
func harvestObject(obj *jason.Object, f *Fragments) {
	for key, value := range obj.Map() {
		lowerKey := strings.ToLower(key)

		if str, err := value.String(); err == nil {
			switch {
			case containsKey(imageKeys, lowerKey) && looksLikeBase64(str):
				setIfEmpty(&f.ImageB64, str)
			case containsKey(textKeys, lowerKey):
				setIfEmpty(&f.AnalysisText, str)
			case containsKey(deviceKeys, lowerKey):
				setIfEmpty(&f.DeviceID, str)
			case containsKey(cameraKeys, lowerKey):
				setIfEmpty(&f.CameraID, str)
			case containsKey(statusKeys, lowerKey):
				setIfEmpty(&f.Status, str)
			}
			continue
		}

		switch lowerKey {
		case "detections", "detecciones":
			if arr, err := value.Array(); err == nil && len(f.Detections) == 0 {
				f.Detections = harvestDetections(arr)
			}
		case "notification", "notificacion":
			if nObj, err := value.Object(); err == nil && f.Notification == nil {
				f.Notification = harvestNotification(nObj)
			}
		}
	}
}

func harvestDetections(arr []*jason.Value) []DetectionInfo {
	var out []DetectionInfo
	for _, elem := range arr {
		obj, err := elem.Object()
		if err != nil {
			continue
		}
		d := DetectionInfo{}
		if class, err := obj.GetString("class"); err == nil {
			d.Class = class
		} else if class, err := obj.GetString("clase"); err == nil {
			d.Class = class
		}
		if conf, err := obj.GetFloat64("confidence"); err == nil {
			d.Confidence = conf
		} else if conf, err := obj.GetFloat64("confianza"); err == nil {
			d.Confidence = conf
		}
		if box, err := obj.GetString("boundingBox"); err == nil {
			d.BoundingBox = box
		} else if box, err := obj.GetString("bbox"); err == nil {
			d.BoundingBox = box
		}
		if d.Class != "" {
			out = append(out, d)
		}
	}
	return out
}

func harvestNotification(obj *jason.Object) *NotificationInfo {
	n := &NotificationInfo{}
	if sent, err := obj.GetBoolean("sent"); err == nil {
		n.Sent = sent
	}
	if id, err := obj.GetString("message_id"); err == nil {
		n.MessageID = id
	} else if id, err := obj.GetString("messageId"); err == nil {
		n.MessageID = id
	}
	if ts, err := obj.GetString("sent_at"); err == nil {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			n.SentAt = &t
		}
	}
	if !n.Sent && n.MessageID == "" && n.SentAt == nil {
		return nil
	}
	return n
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func setIfEmpty(dst *string, val string) {
	if *dst == "" && val != "" {
		*dst = val
	}
}

// looksLikeBase64 reports whether s plausibly decodes as base64 image data.
// A data: URI prefix is accepted; only a short prefix is test-decoded so very
// large payload strings stay cheap to classify.
func looksLikeBase64(s string) bool {
	s = StripDataURI(s)
	if len(s) < 16 {
		return false
	}
	sample := s
	if len(sample) > 64 {
		sample = sample[:64]
	}
	_, err := base64.StdEncoding.DecodeString(sample[:len(sample)-len(sample)%4])
	return err == nil
}

// StripDataURI removes a leading "data:image/...;base64," prefix if present.
func StripDataURI(s string) string {
	if strings.HasPrefix(s, "data:") {
		if idx := strings.Index(s, "base64,"); idx >= 0 {
			return s[idx+len("base64,"):]
		}
	}
	return s
}
