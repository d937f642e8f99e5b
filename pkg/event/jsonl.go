package event

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/facette/natsort"
	"github.com/spf13/afero"
)

const jsonlExt = ".jsonl"

// TraceFiles is the set of sub-streams loaded from one trace directory.
type TraceFiles struct {
	Streams []Stream
	Schema  *Schema
	NumCPUs int
}

// LoadJSONL reads one sub-stream from a JSON-lines file, one event per line.
// Every observed event type is declared in schema when it is not nil.
func LoadJSONL(fs afero.Fs, path string, schema *Schema) (*SliceStream, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	name := strings.TrimSuffix(filepath.Base(path), jsonlExt)
	var (
		stream *SliceStream
		events []Event
		lineNo int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if len(events) > 0 && ev.CPU != events[0].CPU {
			return nil, fmt.Errorf("%s:%d: cpu %d in a stream of cpu %d", path, lineNo, ev.CPU, events[0].CPU)
		}
		if schema != nil {
			schema.Observe(&ev)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var cpu uint32
	if len(events) > 0 {
		cpu = events[0].CPU
	}
	stream, err = NewSliceStream(name, cpu, events...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return stream, nil
}

// LoadTraceDir loads every JSON-lines file of a directory as the sub-streams
// of one trace, in natural order of their names.
func LoadTraceDir(fs afero.Fs, dir string) (*TraceFiles, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("read trace directory %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != jsonlExt {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("trace directory %s has no %s files", dir, jsonlExt)
	}
	natsort.Sort(names)

	tf := &TraceFiles{Schema: NewSchema()}
	for _, n := range names {
		s, err := LoadJSONL(fs, filepath.Join(dir, n), tf.Schema)
		if err != nil {
			return nil, err
		}
		tf.Streams = append(tf.Streams, s)
		if int(s.CPU())+1 > tf.NumCPUs {
			tf.NumCPUs = int(s.CPU()) + 1
		}
	}
	return tf, nil
}
