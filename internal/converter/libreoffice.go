package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrProtected is returned for password protected documents.
var ErrProtected = errors.New("document is password protected")

// LibreOffice converts office documents to PDF with a headless soffice
// process per job.
type LibreOffice struct {
	binary    string
	timeout   time.Duration
	semaphore chan struct{}
}

// NewLibreOffice creates a converter running at most maxWorkers jobs.
func NewLibreOffice(binary string, timeout time.Duration, maxWorkers int) *LibreOffice {
	if binary == "" {
		binary = "libreoffice"
	}
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &LibreOffice{
		binary:    binary,
		timeout:   timeout,
		semaphore: make(chan struct{}, maxWorkers),
	}
}

// Version returns the installed LibreOffice version line.
func (l *LibreOffice) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, l.binary, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("LibreOffice not found in PATH: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ConvertToPDF converts data, named name, and returns the PDF bytes.
func (l *LibreOffice) ConvertToPDF(ctx context.Context, name string, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("input validation failed: file is empty")
	}
	select {
	case l.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-l.semaphore }()

	start := time.Now()
	work, err := os.MkdirTemp("", "pidly-convert-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(work)

	// LibreOffice picks the import filter from the extension
	base := filepath.Base(name)
	if base == "." || base == "/" || base == "" {
		base = "document"
	}
	input := filepath.Join(work, "in", base)
	if err := os.MkdirAll(filepath.Dir(input), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create input directory: %w", err)
	}
	if err := os.WriteFile(input, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write input: %w", err)
	}
	outDir := filepath.Join(work, "out")
	profileDir := filepath.Join(work, fmt.Sprintf("profile_%s", uuid.NewString()))

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, l.binary,
		fmt.Sprintf("-env:UserInstallation=file://%s", profileDir),
		"--headless",
		"--nologo",
		"--nolockcheck",
		"--convert-to", "pdf",
		"--outdir", outDir,
		input,
	)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	log.Debug().Str("cmd", strings.Join(cmd.Args, " ")).Msg("LibreOffice command")

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("conversion timeout after %v", l.timeout)
		}
		if looksProtected(output.String()) {
			return nil, ErrProtected
		}
		return nil, fmt.Errorf("conversion failed: %w: %s", err, strings.TrimSpace(output.String()))
	}

	pdf, err := os.ReadFile(expectedOutputPath(input, outDir))
	if err != nil {
		if looksProtected(output.String()) {
			return nil, ErrProtected
		}
		return nil, fmt.Errorf("output file not created: %w", err)
	}
	log.Info().Str("file", name).Int("size", len(pdf)).Dur("duration", time.Since(start)).Msg("conversion successful")
	return pdf, nil
}

func looksProtected(output string) bool {
	s := strings.ToLower(output)
	return strings.Contains(s, "password") || strings.Contains(s, "encrypted") || strings.Contains(s, "protected")
}

// expectedOutputPath is where LibreOffice writes the converted file.
func expectedOutputPath(inputPath, outputDir string) string {
	baseName := filepath.Base(inputPath)
	nameWithoutExt := strings.TrimSuffix(baseName, filepath.Ext(baseName))
	return filepath.Join(outputDir, nameWithoutExt+".pdf")
}

// SupportedExtensions lists the extensions LibreOffice is asked to convert.
// It picks the import filter from the extension.
func SupportedExtensions() []string {
	return []string{
		"doc", "docx", "rtf", "odt", // Word processing
		"xls", "xlsx", "ods", // Spreadsheets
		"ppt", "pptx", "odp", // Presentations
		"vsd", "vsdx", // Visio diagrams
	}
}

// IsSupported reports whether extension, with or without the dot, can be
// converted.
func IsSupported(extension string) bool {
	ext := strings.ToLower(strings.TrimPrefix(extension, "."))
	for _, s := range SupportedExtensions() {
		if ext == s {
			return true
		}
	}
	return false
}
