package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	envOutDir     = "HETMOE_OUT_DIR"
	envWeightsDir = "HETMOE_WEIGHTS_DIR"

	weightsExt = ".safetensors"
)

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

// resolveSynthOut picks the output path of a synthesized model: the flag,
// or <HETMOE_OUT_DIR or ./out>/<name>.safetensors.
func resolveSynthOut(name, outFlag string) (string, bool, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		outPath := filepath.Clean(outFlag)
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return "", false, err
		}
		return outPath, false, nil
	}

	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return "", true, fmt.Errorf("invalid model name: %q", name)
	}

	outDir := strings.TrimSpace(os.Getenv(envOutDir))
	if outDir == "" {
		outDir = filepath.Join(".", "out")
	}

	outPath := filepath.Join(outDir, name+weightsExt)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", true, err
	}
	return outPath, true, nil
}

func resolveWeightsPath(weightsFlag, dirFlag string, stdin io.Reader, stderr io.Writer) (string, error) {
	weightsFlag = strings.TrimSpace(weightsFlag)
	if weightsFlag != "" {
		return filepath.Clean(weightsFlag), nil
	}

	dir := strings.TrimSpace(dirFlag)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv(envWeightsDir))
	}
	if dir == "" {
		return "", fmt.Errorf("--weights or --weights-dir is required unless %s is set", envWeightsDir)
	}

	files, err := discoverWeights(dir)
	if err != nil {
		return "", err
	}
	switch len(files) {
	case 0:
		return "", fmt.Errorf("no %s files found in %s", weightsExt, dir)
	case 1:
		_, _ = fmt.Fprintf(stderr, "using weights %s\n", files[0])
		return files[0], nil
	default:
		if !stdinIsTTY() {
			return "", fmt.Errorf("multiple weight files found in %s but stdin is not interactive; set --weights", dir)
		}
		return selectInteractively(dir, files, stdin, stderr)
	}
}

func discoverWeights(dir string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("weights directory is empty")
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("weights path is not a directory: %s", dir)
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), weightsExt) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func selectInteractively(dir string, files []string, stdin io.Reader, stderr io.Writer) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("no weight files available in %s", dir)
	}

	_, _ = fmt.Fprintf(stderr, "select weights from %s\n", dir)
	for i, f := range files {
		_, _ = fmt.Fprintf(stderr, "%d. %s\n", i+1, filepath.Base(f))
	}

	reader := bufio.NewReader(stdin)
	for {
		_, _ = fmt.Fprintf(stderr, "enter selection [1-%d]: ", len(files))
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if errors.Is(err, io.EOF) {
				return "", errors.New("no selection provided on stdin; set --weights")
			}
			continue
		}

		idx, convErr := strconv.Atoi(line)
		if convErr != nil || idx < 1 || idx > len(files) {
			_, _ = fmt.Fprintf(stderr, "invalid selection %q\n", line)
			if errors.Is(err, io.EOF) {
				return "", errors.New("invalid selection provided on stdin; set --weights")
			}
			continue
		}
		return files[idx-1], nil
	}
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}
