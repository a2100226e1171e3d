package workspace

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
)

// FileKind represents the format of an input file.
type FileKind string

const (
	FileKindCSV     FileKind = "csv"
	FileKindExcel   FileKind = "excel"
	FileKindJSON    FileKind = "json"
	FileKindParquet FileKind = "parquet"
	FileKindText    FileKind = "text"
	FileKindUnknown FileKind = "unknown"
)

// maxHeaderColumns bounds how many CSV header names end up in the prompt.
const maxHeaderColumns = 40

var extensionKinds = map[string]FileKind{
	".csv":     FileKindCSV,
	".tsv":     FileKindCSV,
	".xlsx":    FileKindExcel,
	".xls":     FileKindExcel,
	".json":    FileKindJSON,
	".jsonl":   FileKindJSON,
	".parquet": FileKindParquet,
	".txt":     FileKindText,
	".md":      FileKindText,
}

// DetectFileKind detects the file format using the extension with a content
// sniff fallback.
func DetectFileKind(path string) FileKind {
	if kind, ok := extensionKinds[strings.ToLower(filepath.Ext(path))]; ok {
		return kind
	}

	f, err := os.Open(path)
	if err != nil {
		return FileKindUnknown
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	head = head[:n]

	switch {
	case n >= 4 && string(head[:4]) == "PAR1":
		return FileKindParquet
	case n >= 4 && string(head[:4]) == "PK\x03\x04":
		return FileKindExcel
	}
	trimmed := strings.TrimSpace(string(head))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return FileKindJSON
	}
	if strings.Contains(trimmed, ",") && strings.Contains(trimmed, "\n") {
		return FileKindCSV
	}
	if n > 0 && !strings.ContainsRune(string(head), 0) {
		return FileKindText
	}
	return FileKindUnknown
}

// InputFile describes one input handed to the analysis.
type InputFile struct {
	HostPath   string   // absolute path on the machine running the agent
	KernelPath string   // path the code running in the sandbox must use
	Kind       FileKind // detected format
	Size       int64
	Columns    []string // header row for CSV files
	Missing    bool
}

// Manifest is the ordered set of inputs of one task.
type Manifest struct {
	Files []InputFile
}

// Describe builds a manifest. hostPaths and kernelPaths are parallel slices;
// a file that cannot be read is reported as missing rather than failing the task.
func Describe(hostPaths, kernelPaths []string) Manifest {
	m := Manifest{Files: make([]InputFile, 0, len(hostPaths))}
	for i, hp := range hostPaths {
		kp := hp
		if i < len(kernelPaths) {
			kp = kernelPaths[i]
		}
		in := InputFile{HostPath: hp, KernelPath: kp}

		info, err := os.Stat(hp)
		if err != nil || info.IsDir() {
			in.Missing = true
			in.Kind = FileKindUnknown
			m.Files = append(m.Files, in)
			continue
		}
		in.Size = info.Size()
		in.Kind = DetectFileKind(hp)
		if in.Kind == FileKindCSV {
			in.Columns = readCSVHeader(hp)
		}
		m.Files = append(m.Files, in)
	}
	return m
}

func readCSVHeader(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		r.Comma = '\t'
	}
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	header, err := r.Read()
	if err != nil {
		return nil
	}
	if len(header) > maxHeaderColumns {
		header = append(header[:maxHeaderColumns:maxHeaderColumns], fmt.Sprintf("... (%d more)", len(header)-maxHeaderColumns))
	}
	// Strip a UTF-8 BOM left on the first column name.
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	return header
}

// Render formats the manifest for the model prompt.
func (m Manifest) Render() string {
	if len(m.Files) == 0 {
		return "(no input files)"
	}
	var b strings.Builder
	for i, f := range m.Files {
		if i > 0 {
			b.WriteByte('\n')
		}
		if f.Missing {
			fmt.Fprintf(&b, "- %s (not found)", f.KernelPath)
			continue
		}
		fmt.Fprintf(&b, "- %s [%s, %s]", f.KernelPath, f.Kind, units.BytesSize(float64(f.Size)))
		if len(f.Columns) > 0 {
			fmt.Fprintf(&b, " columns: %s", strings.Join(f.Columns, ", "))
		}
	}
	return b.String()
}
