package logline

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// DefaultDelimiter is the field separator used by aggregate performance logs.
const DefaultDelimiter = `\t`

// minFields is the number of leading fields a sample line must carry.
const minFields = 3

// ErrMalformedLine is returned when a line does not match the sample schema.
var ErrMalformedLine = errors.New("malformed log line")

var (
	startTimePattern = regexp.MustCompile(`^\d+$`)

	// elapsedPattern accepts integers, decimals and scientific notation.
	// It also matches the empty string and a lone ".", both of which fail
	// strconv.ParseFloat. Decode keeps such lines and flags them.
	elapsedPattern = regexp.MustCompile(`^[0-9]*\.?[0-9]*([Ee][+-]?[0-9]+)?$`)
)

// Line is one decoded sample from an aggregate log.
type Line struct {
	StartTime uint64
	Elapsed   float64
	// ElapsedValid is false when the elapsed field passed validation but
	// could not be parsed as a number.
	ElapsedValid bool
	Label        string
	ResponseCode string
	// Fields holds every field of the line, with the sanitized label at
	// position 2. Fields past the response code are passed through as-is.
	Fields []string
}

// Codec splits and validates aggregate log lines.
type Codec struct {
	delimiter *regexp.Regexp
	sanitizer Sanitizer
}

// NewCodec creates a codec for the given delimiter pattern. A nil sanitizer
// falls back to DefaultSanitizer.
func NewCodec(delimiter string, sanitizer Sanitizer) (*Codec, error) {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}

	re, err := regexp.Compile(delimiter)
	if err != nil {
		return nil, fmt.Errorf("compiling delimiter %q: %w", delimiter, err)
	}

	if sanitizer == nil {
		sanitizer = DefaultSanitizer
	}

	return &Codec{delimiter: re, sanitizer: sanitizer}, nil
}

// Split trims the line and splits it by the delimiter.
func (c *Codec) Split(line string) []string {
	return c.delimiter.Split(strings.TrimSpace(line), -1)
}

// Decode parses a single sample line.
func (c *Codec) Decode(line string) (*Line, error) {
	fields := c.Split(line)

	if len(fields) < minFields {
		return nil, fmt.Errorf(
			"%w: expected at least %d fields (timestamp, elapsed, label), found %d: %q",
			ErrMalformedLine, minFields, len(fields), fields,
		)
	}

	if !startTimePattern.MatchString(fields[0]) {
		return nil, fmt.Errorf("%w: start time %q is not an unsigned integer",
			ErrMalformedLine, fields[0])
	}

	if !elapsedPattern.MatchString(fields[1]) {
		return nil, fmt.Errorf("%w: elapsed time %q is not numeric",
			ErrMalformedLine, fields[1])
	}

	startTime, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: start time %q: %v", ErrMalformedLine, fields[0], err)
	}

	decoded := &Line{
		StartTime:    startTime,
		Elapsed:      math.NaN(),
		Label:        c.sanitizer(fields[2]),
		ResponseCode: "",
	}

	if elapsed, err := strconv.ParseFloat(fields[1], 64); err == nil {
		decoded.Elapsed = elapsed
		decoded.ElapsedValid = true
	}

	if len(fields) > minFields {
		decoded.ResponseCode = strings.TrimSpace(fields[3])
	}

	fields[2] = decoded.Label
	decoded.Fields = fields

	return decoded, nil
}
