package feed

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/daimoniac/vulnhash/internal/errors"
	"github.com/daimoniac/vulnhash/internal/types"
)

// RecordStream decodes a feed response one record at a time. Use it like
// sql.Rows: call Next until it returns false, then check Err and Close.
type RecordStream struct {
	body   io.ReadCloser
	dec    *json.Decoder
	source string
	schema *semver.Constraints

	started bool
	done    bool
	count   int
	current *types.VulnerabilityRecord
	err     error
}

// NewRecordStream wraps a reader holding a feed response body. A nil schema
// accepts every db_version.
func NewRecordStream(body io.ReadCloser, source string, schema *semver.Constraints) *RecordStream {
	return newRecordStream(body, source, schema)
}

func newRecordStream(body io.ReadCloser, source string, schema *semver.Constraints) *RecordStream {
	return &RecordStream{
		body:   body,
		dec:    json.NewDecoder(body),
		source: source,
		schema: schema,
	}
}

// Next advances to the next record
func (s *RecordStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}

	if !s.started {
		s.started = true
		tok, err := s.dec.Token()
		if err == io.EOF {
			// An empty body carries no records
			s.done = true
			return false
		}
		if err != nil {
			s.fail(err)
			return false
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			s.fail(fmt.Errorf("%w: expected a JSON array, got %v", errors.ErrInvalidInput, tok))
			return false
		}
	}

	if !s.dec.More() {
		if _, err := s.dec.Token(); err != nil {
			s.fail(err)
			return false
		}
		s.done = true
		return false
	}

	var wrapper map[string]json.RawMessage
	if err := s.dec.Decode(&wrapper); err != nil {
		s.fail(err)
		return false
	}
	if len(wrapper) != 1 {
		s.fail(fmt.Errorf("%w: element %d has %d fields, expected one wrapping the record",
			errors.ErrInvalidInput, s.count, len(wrapper)))
		return false
	}

	var payload json.RawMessage
	for _, raw := range wrapper {
		payload = raw
	}

	var wire wireRecord
	if err := json.Unmarshal(payload, &wire); err != nil {
		s.fail(err)
		return false
	}

	rec, err := wire.toRecord(s.schema)
	if err != nil {
		s.fail(err)
		return false
	}

	s.count++
	s.current = rec
	return true
}

// Record returns the record Next advanced to
func (s *RecordStream) Record() *types.VulnerabilityRecord {
	return s.current
}

// Count returns the number of records decoded so far
func (s *RecordStream) Count() int {
	return s.count
}

// Err returns the error that stopped the stream, if any
func (s *RecordStream) Err() error {
	return s.err
}

// Close releases the underlying response body
func (s *RecordStream) Close() error {
	return s.body.Close()
}

// fail records a decode failure as a ConnectivityError. Syntax and shape
// problems wrap ErrInvalidInput so they are not retried; a body that ends
// early is treated as a dropped connection.
func (s *RecordStream) fail(err error) {
	if errors.IsConnectivity(err) {
		s.err = err
		return
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if stderrors.As(err, &syntaxErr) || stderrors.As(err, &typeErr) {
		err = fmt.Errorf("%w: %v", errors.ErrInvalidInput, err)
	}

	// The response itself arrived, so shape problems keep its status
	status := 0
	if stderrors.Is(err, errors.ErrInvalidInput) {
		status = 200
	}
	s.err = errors.NewConnectivity(s.source, status, fmt.Errorf("decode element %d: %w", s.count, err))
}

// wireRecord is the JSON shape of a record payload
type wireRecord struct {
	DBVersion   string                `json:"db_version"`
	Status      string                `json:"status"`
	Date        wireTime              `json:"date"`
	SubmittedOn wireTime              `json:"submittedon"`
	Submitter   string                `json:"submitter"`
	CVEs        []string              `json:"cves"`
	Name        string                `json:"name"`
	Format      string                `json:"format"`
	Vendor      string                `json:"vendor"`
	Version     string                `json:"version"`
	Meta        []wireMeta            `json:"meta"`
	Hash        string                `json:"hash"`
	Hashes      map[string]wireHashes `json:"hashes"`
}

type wireMeta struct {
	Filename   string            `json:"filename"`
	Properties map[string]string `json:"properties"`
}

type wireHashes struct {
	Combined string            `json:"combined"`
	Files    map[string]string `json:"files"`
}

// preferredAlgorithm is the hash family file hashes are taken from
const preferredAlgorithm = "sha512"

func (w *wireRecord) toRecord(schema *semver.Constraints) (*types.VulnerabilityRecord, error) {
	if w.DBVersion != "" && schema != nil {
		v, err := semver.NewVersion(w.DBVersion)
		if err != nil {
			return nil, fmt.Errorf("%w: db_version %q: %v", errors.ErrInvalidInput, w.DBVersion, err)
		}
		if !schema.Check(v) {
			return nil, fmt.Errorf("%w: unsupported db_version %s (want %s)", errors.ErrInvalidInput, w.DBVersion, SupportedSchema)
		}
	}

	hashes := w.pickHashes()
	hash := strings.TrimSpace(w.Hash)
	if hash == "" {
		hash = strings.TrimSpace(hashes.Combined)
	}

	metadata := make(map[string]string)
	for _, m := range w.Meta {
		for k, v := range m.Properties {
			metadata[k] = v
		}
	}

	files := make(map[string]string, len(hashes.Files))
	for h, name := range hashes.Files {
		if h = strings.TrimSpace(h); h != "" {
			files[h] = name
		}
	}

	return &types.VulnerabilityRecord{
		Hash:        hash,
		FileHashes:  files,
		Metadata:    metadata,
		CVEs:        types.MergeCVEs(w.CVEs),
		Name:        w.Name,
		Vendor:      w.Vendor,
		Version:     w.Version,
		Format:      w.Format,
		Status:      w.Status,
		Submitter:   w.Submitter,
		Date:        time.Time(w.Date),
		SubmittedOn: time.Time(w.SubmittedOn),
		DBVersion:   w.DBVersion,
	}, nil
}

// pickHashes prefers sha512 and otherwise takes the first algorithm by name
func (w *wireRecord) pickHashes() wireHashes {
	if h, ok := w.Hashes[preferredAlgorithm]; ok {
		return h
	}
	algs := make([]string, 0, len(w.Hashes))
	for alg := range w.Hashes {
		algs = append(algs, alg)
	}
	if len(algs) == 0 {
		return wireHashes{}
	}
	sort.Strings(algs)
	return w.Hashes[algs[0]]
}

// wireTime accepts the feed's zone-less timestamps as UTC, RFC3339, or null
type wireTime time.Time

func (t *wireTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*t = wireTime{}
		return nil
	}
	for _, layout := range []string{TimestampLayout, time.RFC3339, time.DateOnly} {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = wireTime(parsed.UTC())
			return nil
		}
	}
	return fmt.Errorf("%w: unrecognised timestamp %q", errors.ErrInvalidInput, s)
}
