package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/dotcommander/relay/internal/errs"
	"github.com/dotcommander/relay/internal/present"
)

func handleError(err error) {
	maybeWriteMemProfile()

	format := "\n%s\n\n"

	var ferr flagParseError
	if errors.As(err, &ferr) {
		args := []any{
			fmt.Sprintf(
				ferr.ReasonFormat(),
				present.StderrStyles().InlineCode.Render(ferr.Flag()),
			),
			fmt.Sprintf(
				"Check out %s %s",
				present.StderrStyles().InlineCode.Render("relay -h"),
				present.StderrStyles().Comment.Render("for help."),
			),
		}
		fmt.Fprintf(os.Stderr, format+"%s\n\n", args...)
		return
	}

	var merr errs.Error
	if errors.As(err, &merr) {
		format += "%s\n\n"
		formatArgs := []any{
			present.StderrStyles().ErrPadding.Render(present.StderrStyles().ErrorHeader.String(), merr.Reason),
			present.StderrStyles().ErrPadding.Render(present.StderrStyles().ErrorDetails.Render(err.Error())),
		}
		fmt.Fprintf(os.Stderr, format, formatArgs...)
		return
	}

	fmt.Fprintf(os.Stderr, format, present.StderrStyles().ErrPadding.Render(present.StderrStyles().ErrorDetails.Render(err.Error())))
}
