// Package output turns an assembled Result into files: a flat binary, one
// image per bank, a symbol listing and a JSON manifest.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/xplshn/basm/pkg/asm"
	"github.com/xplshn/basm/pkg/diag"
	"github.com/xplshn/basm/pkg/scope"
	"github.com/xplshn/basm/pkg/segment"
)

// Image lays the unbanked segments out from the lowest to the highest
// address. Gaps are zero; a later segment overwrites an earlier one.
func Image(segs []*segment.Segment) (base uint16, data []byte) {
	lo, hi := 0x10000, 0
	for _, s := range segs {
		if s.Banked() || len(s.Data) == 0 {
			continue
		}
		lo = min(lo, int(s.Base))
		hi = max(hi, s.End())
	}
	if hi == 0 {
		return 0, nil
	}
	data = make([]byte, hi-lo)
	for _, s := range segs {
		if !s.Banked() {
			copy(data[int(s.Base)-lo:], s.Data)
		}
	}
	return uint16(lo), data
}

// Banks builds one image per used bank, starting at the window base and
// ending after its highest byte.
func Banks(segs []*segment.Segment, windowBase uint16) map[int][]byte {
	out := make(map[int][]byte)
	for _, s := range segs {
		if !s.Banked() {
			continue
		}
		img := out[s.Bank]
		off := int(s.Base) - int(windowBase)
		if need := off + len(s.Data); need > len(img) {
			img = append(img, make([]byte, need-len(img))...)
		}
		copy(img[off:], s.Data)
		out[s.Bank] = img
	}
	return out
}

// WriteSymbols prints every value symbol as 'NAME EQU #1234'. Banked labels
// carry the bank in a trailing comment.
func WriteSymbols(w io.Writer, entries []scope.Entry) error {
	for _, e := range entries {
		if !e.Defined || e.Kind == scope.ModuleName {
			continue
		}
		line := fmt.Sprintf("%s EQU #%04X", e.Name, e.Value)
		if e.Bank != scope.NoBank {
			line += fmt.Sprintf(" ; bank %d", e.Bank)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

type SegmentInfo struct {
	ID       int     `json:"id"`
	Base     uint16  `json:"base"`
	Bank     *int    `json:"bank,omitempty"`
	Size     int     `json:"size"`
	Disp     *uint16 `json:"disp,omitempty"`
	Xorg     *uint16 `json:"xorg,omitempty"`
	Checksum string  `json:"xxhash"`
}

type DiagnosticInfo struct {
	Code     diag.Code `json:"code"`
	Severity string    `json:"severity"`
	File     string    `json:"file,omitempty"`
	Line     int       `json:"line"`
	Column   int       `json:"column"`
	Message  string    `json:"message"`
}

// Manifest summarises a compilation for tools that do not read binaries
type Manifest struct {
	Source      string           `json:"source,omitempty"`
	Model       string           `json:"model,omitempty"`
	Entry       *uint16          `json:"entry,omitempty"`
	Export      *uint16          `json:"export,omitempty"`
	Segments    []SegmentInfo    `json:"segments"`
	Structs     map[string]int   `json:"structs,omitempty"`
	Diagnostics []DiagnosticInfo `json:"diagnostics"`
}

// Checksum is the xxhash of b as 16 hex digits
func Checksum(b []byte) string { return fmt.Sprintf("%016x", xxhash.Sum64(b)) }

func NewManifest(source, model string, res *asm.Result) *Manifest {
	m := &Manifest{
		Source: source, Model: model, Entry: res.Entry, Export: res.Export,
		Segments: []SegmentInfo{}, Diagnostics: []DiagnosticInfo{},
	}
	for _, s := range res.Segments {
		info := SegmentInfo{ID: s.ID, Base: s.Base, Size: len(s.Data), Checksum: Checksum(s.Data)}
		if s.Banked() {
			bank := s.Bank
			info.Bank = &bank
		}
		if s.HasDisp {
			disp := s.Disp
			info.Disp = &disp
		}
		if s.HasXorg {
			xorg := s.Xorg
			info.Xorg = &xorg
		}
		m.Segments = append(m.Segments, info)
	}
	if len(res.Structs) > 0 {
		m.Structs = make(map[string]int, len(res.Structs))
		for name, def := range res.Structs {
			m.Structs[name] = def.Size
		}
	}
	for _, d := range res.Diagnostics {
		info := DiagnosticInfo{Code: d.Code, Severity: d.Severity.String(), Line: d.Pos.Line, Column: d.Pos.Column, Message: d.Msg}
		if d.Pos.FileIndex >= 0 && d.Pos.FileIndex < len(res.Files) {
			info.File = res.Files[d.Pos.FileIndex].Name
		}
		m.Diagnostics = append(m.Diagnostics, info)
	}
	return m
}

func (m *Manifest) Write(w io.Writer) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// Files names the outputs to produce; empty names are skipped.
type Files struct {
	Binary   string
	Symbols  string
	Manifest string
	Source   string
}

// BankFile derives the file name of a bank image from the binary name
func BankFile(binary string, bank int) string {
	ext := filepath.Ext(binary)
	return fmt.Sprintf("%s.bank%d%s", strings.TrimSuffix(binary, ext), bank, ext)
}

// Write produces every requested file and returns the paths written.
func Write(res *asm.Result, model string, windowBase uint16, f Files) ([]string, error) {
	var written []string
	put := func(path string, data []byte) error {
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
		return nil
	}

	if f.Binary != "" {
		_, img := Image(res.Segments)
		if err := put(f.Binary, img); err != nil {
			return written, err
		}
		banks := Banks(res.Segments, windowBase)
		ids := make([]int, 0, len(banks))
		for id := range banks {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			if err := put(BankFile(f.Binary, id), banks[id]); err != nil {
				return written, err
			}
		}
	}
	if f.Symbols != "" {
		var sb strings.Builder
		if err := WriteSymbols(&sb, res.Symbols); err != nil {
			return written, err
		}
		if err := put(f.Symbols, []byte(sb.String())); err != nil {
			return written, err
		}
	}
	if f.Manifest != "" {
		var sb strings.Builder
		if err := NewManifest(f.Source, model, res).Write(&sb); err != nil {
			return written, err
		}
		if err := put(f.Manifest, []byte(sb.String())); err != nil {
			return written, err
		}
	}
	return written, nil
}
