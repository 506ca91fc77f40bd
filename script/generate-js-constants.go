// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build ignore

// Script to generate the Node module of API constants from Go constants.
//
//	go run script/generate-js-constants.go [-out path]
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"
)

const header = `'use strict';

// Constants shared with the thali control API.
// These are automatically generated from lib/api/constants.go
// DO NOT EDIT MANUALLY - Run 'go run script/generate-js-constants.go' to regenerate

module.exports = Object.freeze({
`

var constRegex = regexp.MustCompile(`^\s*([A-Za-z0-9_]+)\s*=\s*("[^"]*"|\d+)`)

func main() {
	in := flag.String("in", "lib/api/constants.go", "Go constants file")
	out := flag.String("out", "js/apiConstants.js", "Node module to write")
	flag.Parse()

	if err := generate(*in, *out); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	fmt.Println("API constants generated to", *out)
}

func generate(in, out string) error {
	file, err := os.Open(in)
	if err != nil {
		return err
	}
	defer file.Close()

	var body strings.Builder
	body.WriteString(header)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		matches := constRegex.FindStringSubmatch(line)
		if len(matches) != 3 {
			continue
		}
		// Go string literals without escapes are valid JavaScript.
		fmt.Fprintf(&body, "  %s: %s,\n", constantName(matches[1]), matches[2])
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	body.WriteString("});\n")

	return os.WriteFile(out, []byte(body.String()), 0o644)
}

// constantName converts a Go constant name to upper snake case, keeping
// acronyms together: APIVersionHeader becomes API_VERSION_HEADER.
func constantName(goName string) string {
	rs := []rune(goName)
	var result strings.Builder
	for i, r := range rs {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(rs[i-1]) || unicode.IsDigit(rs[i-1])
			nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if prevLower || (unicode.IsUpper(rs[i-1]) && nextLower) {
				result.WriteRune('_')
			}
		}
		result.WriteRune(unicode.ToUpper(r))
	}
	return result.String()
}
