// Command detect-blank classifies PNG files written by pdf-rasterize and
// exits with a code telling whether they are blank (mostly white).
//
// Usage: detect-blank <fuzz_percent> <non_white_threshold> <file>...
//
// Exit codes:
//
//	0 = every file is blank
//	1 = at least one file has content
//	2 = error (bad args, cannot open/parse an image, etc.)
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/book-expert/pdf-rasterizer/internal/blank"
)

// ErrInvalidArguments is returned when fewer than three arguments are given.
var ErrInvalidArguments = errors.New("invalid number of arguments")

// arguments holds the parsed and validated command-line arguments.
type arguments struct {
	detector  *blank.Detector
	filePaths []string
}

// Exit codes used by this tool to communicate with callers.
const (
	exitCodeBlank    = 0
	exitCodeNotBlank = 1
	exitCodeError    = 2

	minArgCount = 4
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

// run returns the exit code for args, printing one verdict per file.
func run(args []string, stdout, stderr io.Writer) int {
	parsed, err := parseAndValidateArguments(args)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Argument error: %v\n", err)

		return exitCodeError
	}

	exitCode := exitCodeBlank

	for _, filePath := range parsed.filePaths {
		isBlank, classifyErr := classifyFile(parsed.detector, filePath)
		if classifyErr != nil {
			_, _ = fmt.Fprintf(stderr, "Image analysis error: %v\n", classifyErr)

			return exitCodeError
		}

		verdict := "blank"
		if !isBlank {
			verdict = "content"
			exitCode = exitCodeNotBlank
		}

		_, _ = fmt.Fprintf(stdout, "%s\t%s\n", filePath, verdict)
	}

	return exitCode
}

// parseAndValidateArguments processes the raw command-line arguments.
func parseAndValidateArguments(args []string) (arguments, error) {
	if len(args) < minArgCount {
		return arguments{}, fmt.Errorf(
			"expected at least 3 arguments, but got %d. Usage: <program> <fuzz_percent> <threshold> <file>...: %w",
			len(args)-1,
			ErrInvalidArguments,
		)
	}

	fuzzPercent, err := strconv.Atoi(args[1])
	if err != nil {
		return arguments{}, fmt.Errorf("invalid fuzz percentage '%s': %w", args[1], err)
	}

	threshold, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return arguments{}, fmt.Errorf("invalid non-white threshold '%s': %w", args[2], err)
	}

	detector, err := blank.NewDetector(fuzzPercent, threshold)
	if err != nil {
		return arguments{}, fmt.Errorf("invalid detector settings: %w", err)
	}

	return arguments{
		detector:  detector,
		filePaths: args[3:],
	}, nil
}

func classifyFile(detector *blank.Detector, filePath string) (bool, error) {
	data, readErr := os.ReadFile(filePath)
	if readErr != nil {
		return false, fmt.Errorf("could not read file %s: %w", filePath, readErr)
	}

	isBlank, blankErr := detector.IsBlankPNG(data)
	if blankErr != nil {
		return false, fmt.Errorf("%s: %w", filePath, blankErr)
	}

	return isBlank, nil
}
