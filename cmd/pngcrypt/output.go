package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

var (
	// Color printers
	infoColor    = color.New(color.FgBlue).SprintFunc()
	successColor = color.New(color.FgGreen).SprintFunc()
	warningColor = color.New(color.FgYellow).SprintFunc()
	errorColor   = color.New(color.FgRed).SprintFunc()

	chunkHeading   = color.New(color.Bold)
	summaryHeading = color.New(color.Underline)
)

func printInfo(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "%s %s\n", infoColor("[*]"), fmt.Sprintf(format, args...))
}

func printSuccess(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "%s %s\n", successColor("[+]"), fmt.Sprintf(format, args...))
}

func printWarning(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "%s %s\n", warningColor("[!]"), fmt.Sprintf(format, args...))
}

func printError(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "%s %s\n", errorColor("[-]"), fmt.Sprintf(format, args...))
}
