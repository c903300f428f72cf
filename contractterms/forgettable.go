package contractterms

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	keyForgettable = "$forgettable"
	keyForgotten   = "$forgotten"

	// forgottenHashLen is the length of the hash replacing a forgotten
	// member.
	forgottenHashLen = 64

	// maxSafeInteger bounds numbers so they survive a round trip through
	// any JSON implementation.
	maxSafeInteger = 1<<53 - 1
)

var (
	// ErrMalformed is returned for contract terms that can't be used.
	ErrMalformed = errors.New("malformed contract terms")

	nameRegex = regexp.MustCompile(`^[0-9A-Za-z_]+$`)

	tagForgotten     = []byte("walletd/forgotten-member")
	tagContractTerms = []byte("walletd/contract-terms")
)

// decodeJSON decodes raw into generic values keeping numbers exact.
func decodeJSON(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}

	return v, nil
}

// ValidateForgettable checks that the JSON document only uses plain member
// names, safe integers and well formed "$forgettable" and "$forgotten"
// annotations. A member marked forgettable must be present, a forgotten
// member must be absent and its salt must be gone.
func ValidateForgettable(raw []byte) error {
	v, err := decodeJSON(raw)
	if err != nil {
		return err
	}

	return validateValue(v, "")
}

func validateValue(v interface{}, path string) error {
	switch x := v.(type) {
	case string, bool, nil:
		return nil

	case json.Number:
		if strings.ContainsAny(x.String(), ".eE") {
			return fmt.Errorf("%w: non-integer number at %q",
				ErrMalformed, path)
		}
		n, err := x.Int64()
		if err != nil || n > maxSafeInteger || n < -maxSafeInteger {
			return fmt.Errorf("%w: unsafe integer at %q",
				ErrMalformed, path)
		}

		return nil

	case []interface{}:
		for i, elem := range x {
			elemPath := fmt.Sprintf("%s/%d", path, i)
			if err := validateValue(elem, elemPath); err != nil {
				return err
			}
		}

		return nil

	case map[string]interface{}:
		return validateObject(x, path)

	default:
		return fmt.Errorf("%w: unexpected value at %q", ErrMalformed,
			path)
	}
}

func validateObject(obj map[string]interface{}, path string) error {
	for k, v := range obj {
		switch {
		case nameRegex.MatchString(k):
			if err := validateValue(v, path+"/"+k); err != nil {
				return err
			}

		case k == keyForgettable:
			fga, ok := v.(map[string]interface{})
			if !ok {
				return fmt.Errorf("%w: %s at %q is not an "+
					"object", ErrMalformed, k, path)
			}
			err := validateForgettable(obj, fga, path)
			if err != nil {
				return err
			}

		case k == keyForgotten:
			fgo, ok := v.(map[string]interface{})
			if !ok {
				return fmt.Errorf("%w: %s at %q is not an "+
					"object", ErrMalformed, k, path)
			}
			err := validateForgotten(obj, fgo, path)
			if err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: invalid member name %q at %q",
				ErrMalformed, k, path)
		}
	}

	return nil
}

// validateForgettable checks the salts of the members of obj that may be
// forgotten.
func validateForgettable(obj, fga map[string]interface{}, path string) error {
	for fk, fv := range fga {
		if !nameRegex.MatchString(fk) {
			return fmt.Errorf("%w: bad forgettable name %q",
				ErrMalformed, fk)
		}
		if _, ok := obj[fk]; !ok {
			return fmt.Errorf("%w: forgettable member %q missing "+
				"at %q", ErrMalformed, fk, path)
		}
		if _, ok := fv.(string); !ok {
			return fmt.Errorf("%w: salt of %q is not a string",
				ErrMalformed, fk)
		}
	}

	return nil
}

// validateForgotten checks the hashes of the members forgotten from obj.
func validateForgotten(obj, fgo map[string]interface{}, path string) error {
	salts, _ := obj[keyForgettable].(map[string]interface{})
	for fk, fv := range fgo {
		if !nameRegex.MatchString(fk) {
			return fmt.Errorf("%w: bad forgotten name %q",
				ErrMalformed, fk)
		}
		if _, ok := obj[fk]; ok {
			return fmt.Errorf("%w: forgotten member %q still "+
				"present at %q", ErrMalformed, fk, path)
		}
		s, ok := fv.(string)
		if !ok {
			return fmt.Errorf("%w: hash of %q is not a string",
				ErrMalformed, fk)
		}
		h, err := hex.DecodeString(s)
		if err != nil || len(h) != forgottenHashLen {
			return fmt.Errorf("%w: bad hash of forgotten member %q",
				ErrMalformed, fk)
		}
		if _, ok := salts[fk]; ok {
			return fmt.Errorf("%w: salt of forgotten member %q "+
				"not deleted", ErrMalformed, fk)
		}
	}

	return nil
}

// canonicalJSON encodes v with sorted keys and without insignificant
// whitespace.
func canonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// forgottenHash computes the value that replaces a forgotten member.
func forgottenHash(member interface{}, salt string) (string, error) {
	all := &scrubber{pred: func([]string) bool { return true }}
	scrubbed := all.scrub(member, nil)
	if all.err != nil {
		return "", all.err
	}

	canon, err := canonicalJSON(scrubbed)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, forgottenHashLen)
	for i := byte(0); len(out) < forgottenHashLen; i++ {
		h := chainhash.TaggedHash(
			tagForgotten, []byte{i}, []byte(salt), canon,
		)
		out = append(out, h[:]...)
	}

	return hex.EncodeToString(out), nil
}

// PathPredicate selects forgettable members by their path.
type PathPredicate func(path []string) bool

// Forget replaces the forgettable members matching pred by their salted
// hashes.
func Forget(raw []byte, pred PathPredicate) ([]byte, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}

	s := &scrubber{pred: pred}
	scrubbed := s.scrub(v, nil)
	if s.err != nil {
		return nil, s.err
	}

	return canonicalJSON(scrubbed)
}

// Scrub forgets every forgettable member.
func Scrub(raw []byte) ([]byte, error) {
	return Forget(raw, func([]string) bool { return true })
}

// scrubber copies JSON values while replacing the forgettable members
// selected by pred with their hashes. The first hashing error is kept.
type scrubber struct {
	pred PathPredicate
	err  error
}

func (s *scrubber) scrub(v interface{}, path []string) interface{} {
	switch x := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, elem := range x {
			out[i] = s.scrub(elem, appendPath(path, fmt.Sprint(i)))
		}

		return out

	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[k] = val
		}

		if salts, ok := x[keyForgettable].(map[string]interface{}); ok {
			s.forgetMembers(x, out, salts, path)
		}

		for k, val := range out {
			if strings.HasPrefix(k, "$") {
				continue
			}
			out[k] = s.scrub(val, appendPath(path, k))
		}

		return out

	default:
		return v
	}
}

// forgetMembers moves the selected members of obj into the "$forgotten"
// annotation of out.
func (s *scrubber) forgetMembers(obj, out, salts map[string]interface{},
	path []string) {

	forgotten := make(map[string]interface{})
	if prev, ok := obj[keyForgotten].(map[string]interface{}); ok {
		for k, val := range prev {
			forgotten[k] = val
		}
	}

	remaining := make(map[string]interface{}, len(salts))
	for k, salt := range salts {
		if !s.pred(appendPath(path, k)) {
			remaining[k] = salt
			continue
		}

		if _, ok := forgotten[k]; !ok {
			saltStr, _ := salt.(string)
			h, err := forgottenHash(obj[k], saltStr)
			if err != nil {
				if s.err == nil {
					s.err = err
				}
				continue
			}
			forgotten[k] = h
		}
		delete(out, k)
	}

	if len(forgotten) > 0 {
		out[keyForgotten] = forgotten
	}
	if len(remaining) > 0 {
		out[keyForgettable] = remaining
	} else {
		delete(out, keyForgettable)
	}
}

func appendPath(path []string, elem string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)

	return append(out, elem)
}

// SaltForgettable replaces every "$forgettable" entry set to true by a fresh
// random salt.
func SaltForgettable(raw []byte) ([]byte, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}

	var saltErr error
	var salt func(v interface{}) interface{}
	salt = func(v interface{}) interface{} {
		switch x := v.(type) {
		case []interface{}:
			for i := range x {
				x[i] = salt(x[i])
			}

		case map[string]interface{}:
			fga, _ := x[keyForgettable].(map[string]interface{})
			for k, val := range fga {
				if b, ok := val.(bool); !ok || !b {
					continue
				}

				var s [32]byte
				if _, err := rand.Read(s[:]); err != nil {
					saltErr = err
					continue
				}
				fga[k] = hex.EncodeToString(s[:])
			}
			for k, val := range x {
				if strings.HasPrefix(k, "$") {
					continue
				}
				x[k] = salt(val)
			}
		}

		return v
	}

	salted := salt(v)
	if saltErr != nil {
		return nil, saltErr
	}

	return canonicalJSON(salted)
}

// Hash computes the contract terms hash the merchant signs: the terms with
// all forgettable members scrubbed, canonicalized and hashed.
func Hash(raw []byte) (chainhash.Hash, error) {
	scrubbed, err := Scrub(raw)
	if err != nil {
		return chainhash.Hash{}, err
	}

	return *chainhash.TaggedHash(tagContractTerms, scrubbed), nil
}
