// Package persist implements the per-KG durability layout: an
// append-only delta log under persist/, rule and schema catalogs as
// JSON, and per-index subdirectories under indexes/ whose byte contents
// are produced by the index's own save/load. A system-catalog manifest
// (knowledge_graphs.json) lists every KG a store owns. Replaying the
// log yields the same in-memory multiset of tuples; catalogs round-trip
// through the parser's rendered statement text.
package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/lattice-kg/lattice/internal/parser"
	"github.com/lattice-kg/lattice/internal/value"
)

const (
	logDirName       = "persist"
	logFileName      = "log.jsonl"
	rulesFileName    = "rules.json"
	schemaFileName   = "schema.json"
	indexesDirName   = "indexes"
	registrationsFile = "registrations.json"
	manifestFileName = "knowledge_graphs.json"
)

// Dir is one knowledge graph's on-disk home. All writes go through a
// single mutex; the KG's write path is already serialized by its
// command channel, so this only guards against a host calling the
// persistence API concurrently with shutdown.
type Dir struct {
	root string

	mu  sync.Mutex
	log *os.File
}

// Open creates (or reopens) a KG directory rooted at root, including
// its persist/ and indexes/ subdirectories, and opens the delta log for
// appending.
func Open(root string) (*Dir, error) {
	for _, sub := range []string{root, filepath.Join(root, logDirName), filepath.Join(root, indexesDirName)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("persist: creating %s: %w", sub, err)
		}
	}
	logPath := filepath.Join(root, logDirName, logFileName)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persist: opening log %s: %w", logPath, err)
	}
	return &Dir{root: root, log: f}, nil
}

// Close releases the delta log's file handle.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.log == nil {
		return nil
	}
	err := d.log.Close()
	d.log = nil
	return err
}

// TupleDiff is one logged update: a tuple and its diff (positive insert,
// negative retract).
type TupleDiff struct {
	Tuple value.Tuple
	Diff  int
}

type deltaRecord struct {
	Relation string      `json:"relation"`
	Time     int64       `json:"time"`
	Diff     int         `json:"diff"`
	Tuple    []wireValue `json:"tuple"`
}

// AppendDeltas appends one batch of deltas against relation at the
// given logical time, one JSON line per delta, flushed together.
func (d *Dir) AppendDeltas(relation string, time int64, deltas []TupleDiff) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.log == nil {
		return fmt.Errorf("persist: log for %s is closed", d.root)
	}
	w := bufio.NewWriter(d.log)
	enc := json.NewEncoder(w)
	for _, td := range deltas {
		rec := deltaRecord{Relation: relation, Time: time, Diff: td.Diff, Tuple: encodeTuple(td.Tuple)}
		if err := enc.Encode(&rec); err != nil {
			return fmt.Errorf("persist: encoding delta for %q: %w", relation, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("persist: flushing log: %w", err)
	}
	return d.log.Sync()
}

// ReplayDeltas streams every logged delta, in append order, to fn.
func (d *Dir) ReplayDeltas(fn func(relation string, tuple value.Tuple, time int64, diff int) error) error {
	logPath := filepath.Join(d.root, logDirName, logFileName)
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("persist: opening log for replay: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec deltaRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return fmt.Errorf("persist: log line %d: %w", line, err)
		}
		tuple, err := decodeTuple(rec.Tuple)
		if err != nil {
			return fmt.Errorf("persist: log line %d: %w", line, err)
		}
		if err := fn(rec.Relation, tuple, rec.Time, rec.Diff); err != nil {
			return err
		}
	}
	return sc.Err()
}

// rulesFile is the rules.json shape: rendered clause text per head, so
// the catalog reloads through the same parser that produced it.
type rulesFile struct {
	Rules map[string][]string `json:"rules"`
}

// SaveRules writes every head's clause list as rendered statement text.
func (d *Dir) SaveRules(byHead map[string][]parser.Statement) error {
	file := rulesFile{Rules: make(map[string][]string, len(byHead))}
	for head, clauses := range byHead {
		texts := make([]string, len(clauses))
		for i, c := range clauses {
			texts[i] = c.Render()
		}
		file.Rules[head] = texts
	}
	return d.writeJSON(rulesFileName, &file)
}

// LoadRules parses rules.json back into per-head clause lists. A
// missing file is an empty catalog, not an error.
func (d *Dir) LoadRules() (map[string][]parser.Statement, error) {
	var file rulesFile
	ok, err := d.readJSON(rulesFileName, &file)
	if err != nil || !ok {
		return nil, err
	}
	out := make(map[string][]parser.Statement, len(file.Rules))
	for head, texts := range file.Rules {
		for _, text := range texts {
			prog, err := parser.Parse(text)
			if err != nil {
				return nil, fmt.Errorf("persist: reparsing rule for %q: %w", head, err)
			}
			out[head] = append(out[head], prog.Statements...)
		}
	}
	return out, nil
}

type schemaFile struct {
	Schemas []string `json:"schemas"`
}

// SaveSchemas writes every persistent schema declaration as rendered
// statement text, in declaration order.
func (d *Dir) SaveSchemas(stmts []parser.Statement) error {
	file := schemaFile{Schemas: make([]string, len(stmts))}
	for i, s := range stmts {
		file.Schemas[i] = s.Render()
	}
	return d.writeJSON(schemaFileName, &file)
}

// LoadSchemas parses schema.json back into schema statements.
func (d *Dir) LoadSchemas() ([]parser.Statement, error) {
	var file schemaFile
	ok, err := d.readJSON(schemaFileName, &file)
	if err != nil || !ok {
		return nil, err
	}
	var out []parser.Statement
	for _, text := range file.Schemas {
		prog, err := parser.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("persist: reparsing schema %q: %w", text, err)
		}
		out = append(out, prog.Statements...)
	}
	return out, nil
}

// SaveIndexRegistrations writes the index manager's serialized
// registration catalog to indexes/registrations.json.
func (d *Dir) SaveIndexRegistrations(data []byte) error {
	path := filepath.Join(d.root, indexesDirName, registrationsFile)
	return os.WriteFile(path, data, 0o644)
}

// LoadIndexRegistrations reads indexes/registrations.json; ok is false
// when no catalog has been saved yet.
func (d *Dir) LoadIndexRegistrations() ([]byte, bool, error) {
	path := filepath.Join(d.root, indexesDirName, registrationsFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// SaveIndexState writes one index's own serialized bytes into its
// per-index subdirectory.
func (d *Dir) SaveIndexState(name string, data []byte) error {
	dir := filepath.Join(d.root, indexesDirName, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "index.bin"), data, 0o644)
}

// LoadIndexState reads one index's serialized bytes; ok is false when
// the index was registered but never saved.
func (d *Dir) LoadIndexState(name string) ([]byte, bool, error) {
	data, err := os.ReadFile(filepath.Join(d.root, indexesDirName, name, "index.bin"))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// RemoveIndexState deletes an index's per-index subdirectory.
func (d *Dir) RemoveIndexState(name string) error {
	return os.RemoveAll(filepath.Join(d.root, indexesDirName, name))
}

func (d *Dir) writeJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: encoding %s: %w", name, err)
	}
	return os.WriteFile(filepath.Join(d.root, name), data, 0o644)
}

func (d *Dir) readJSON(name string, v interface{}) (bool, error) {
	data, err := os.ReadFile(filepath.Join(d.root, name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("persist: decoding %s: %w", name, err)
	}
	return true, nil
}

// Manifest is the system catalog's knowledge_graphs.json: every KG name
// the store owns plus which one is current.
type Manifest struct {
	Current         string   `json:"current"`
	KnowledgeGraphs []string `json:"knowledge_graphs"`
}

// SaveManifest writes the manifest under the catalog root, with names
// sorted for stable diffs.
func SaveManifest(root string, m Manifest) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	sort.Strings(m.KnowledgeGraphs)
	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, manifestFileName), data, 0o644)
}

// LoadManifest reads the manifest; ok is false for a fresh catalog
// directory.
func LoadManifest(root string) (Manifest, bool, error) {
	data, err := os.ReadFile(filepath.Join(root, manifestFileName))
	if os.IsNotExist(err) {
		return Manifest{}, false, nil
	}
	if err != nil {
		return Manifest{}, false, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, false, fmt.Errorf("persist: decoding manifest: %w", err)
	}
	return m, true, nil
}
