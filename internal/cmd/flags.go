package cmd

import (
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/duration"
)

type flagParseError struct {
	err       error
	flag      string
	reasonFmt string
}

func newFlagParseError(err error) flagParseError {
	ferr := flagParseError{err: err}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "unknown flag"):
		ferr.reasonFmt = "Flag %s is missing."
		ferr.flag = strings.TrimPrefix(msg, "unknown flag: ")
	case strings.HasPrefix(msg, "flag needs an argument"):
		ferr.reasonFmt = "Flag %s needs an argument."
		parts := strings.Split(msg, " ")
		ferr.flag = parts[len(parts)-1]
	case strings.HasPrefix(msg, "invalid argument"):
		ferr.reasonFmt = "Flag %s have an invalid argument."
		re := regexp.MustCompile(`invalid argument ".*" for "(.*)" flag`)
		if matches := re.FindStringSubmatch(msg); len(matches) > 1 {
			ferr.flag = matches[1]
		}
	default:
		ferr.reasonFmt = "%s"
		ferr.flag = msg
	}
	return ferr
}

func (f flagParseError) Error() string {
	return f.err.Error()
}

func (f flagParseError) ReasonFormat() string {
	return f.reasonFmt
}

func (f flagParseError) Flag() string {
	return f.flag
}

// durationFlag accepts humane units (1d, 2w, 1mo) on top of the standard
// time.ParseDuration ones.
type durationFlag time.Duration

func newDurationFlag(val time.Duration, p *time.Duration) *durationFlag {
	*p = val
	return (*durationFlag)(p)
}

func (d *durationFlag) Set(s string) error {
	v, err := duration.Parse(s)
	if err == nil {
		*d = durationFlag(v)
	}
	return err
}

func (d *durationFlag) String() string {
	return time.Duration(*d).String()
}

func (*durationFlag) Type() string {
	return "duration"
}
