package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Fingerprint derives the cache key for a stage invocation from the stage name
// and its evaluated inputs. Equal inputs always produce equal keys.
func Fingerprint(stageName string, inputs cty.Value) (string, error) {
	if inputs == cty.NilVal || inputs.IsNull() {
		inputs = cty.EmptyObjectVal
	}
	if !inputs.IsWhollyKnown() {
		return "", fmt.Errorf("cannot fingerprint stage '%s': inputs contain unknown values", stageName)
	}

	raw, err := ctyjson.Marshal(inputs, inputs.Type())
	if err != nil {
		return "", fmt.Errorf("cannot fingerprint stage '%s': %w", stageName, err)
	}
	typ, err := ctyjson.MarshalType(inputs.Type())
	if err != nil {
		return "", fmt.Errorf("cannot fingerprint stage '%s': %w", stageName, err)
	}

	h := sha256.New()
	h.Write([]byte(stageName))
	h.Write([]byte{0})
	h.Write(typ)
	h.Write([]byte{0})
	h.Write(raw)
	return stageName + ":" + hex.EncodeToString(h.Sum(nil)), nil
}
