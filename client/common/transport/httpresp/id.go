package httpresp

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ID accepts identifiers serialized either as JSON numbers or strings.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

func (id ID) Empty() bool {
	return strings.TrimSpace(string(id)) == ""
}
