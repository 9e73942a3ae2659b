package ingest

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// Older Hikvision firmware emits the plate as the second child of the
// fourteenth element under the root with no stable tag name.
const (
	legacyOuterIndex = 13
	legacyInnerIndex = 1
)

type xmlNode struct {
	XMLName  xml.Name
	Text     string    `xml:",chardata"`
	Children []xmlNode `xml:",any"`
}

func legacyPlate(data []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = passthroughCharset
	var root xmlNode
	if err := dec.Decode(&root); err != nil {
		return ""
	}
	if len(root.Children) <= legacyOuterIndex {
		return ""
	}
	outer := root.Children[legacyOuterIndex]
	if len(outer.Children) <= legacyInnerIndex {
		return ""
	}
	return strings.TrimSpace(outer.Children[legacyInnerIndex].Text)
}
