// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vocab loads a line-delimited WordPiece vocabulary: the 0-based
// line index is the token id, the trimmed line content is the token string.
package vocab

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrVocabLoad is returned when the vocabulary source is missing or empty.
var ErrVocabLoad = errors.New("vocabulary load failed")

// Vocabulary is a bidirectional id <-> subword mapping.
// Immutable after load; safe for concurrent readers.
type Vocabulary struct {
	tokens []string
	ids    map[string]int32
}

// Load reads a vocabulary from a line-delimited file.
func Load(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrVocabLoad, path, err)
	}
	defer func() { _ = f.Close() }()

	v, err := LoadReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// LoadReader reads a vocabulary from a line-delimited source.
func LoadReader(r io.Reader) (*Vocabulary, error) {
	scanner := bufio.NewScanner(r)
	// Vocab lines are short, but don't assume
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	tokens := make([]string, 0, 30522)
	ids := make(map[string]int32)

	for scanner.Scan() {
		tok := strings.TrimSpace(scanner.Text())
		id := int32(len(tokens))
		tokens = append(tokens, tok)
		if _, seen := ids[tok]; !seen {
			ids[tok] = id
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading: %v", ErrVocabLoad, err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty source", ErrVocabLoad)
	}

	return &Vocabulary{tokens: tokens, ids: ids}, nil
}

// Token returns the subword string for a token id.
func (v *Vocabulary) Token(id int32) (string, bool) {
	if id < 0 || int(id) >= len(v.tokens) {
		return "", false
	}
	return v.tokens[id], true
}

// ID returns the token id for a subword string. For duplicate lines the
// lowest id wins.
func (v *Vocabulary) ID(token string) (int32, bool) {
	id, ok := v.ids[token]
	return id, ok
}

// Size returns the vocabulary size V.
func (v *Vocabulary) Size() int {
	return len(v.tokens)
}
