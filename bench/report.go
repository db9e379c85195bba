package bench

import (
	"encoding/json"
	"io"

	"github.com/valyala/bytebufferpool"
)

// EncodeReport writes report as indented JSON with sorted keys.
func EncodeReport(w io.Writer, report map[string]any) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}
