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

package pipelines

import (
	"strings"

	"github.com/antflydb/snapcap/pkg/snapcap/lib/vocab"
)

// continuationMarker is the WordPiece prefix marking a subword that
// continues the previous token.
const continuationMarker = "##"

// FallbackCaption is returned when detokenization yields nothing.
const FallbackCaption = "A scene captured by camera"

// Detokenize joins decoded token ids into a sentence. The caller passes the
// sequence without the leading BOS id. Ids with no vocabulary entry are
// dropped. Tokens are space-joined, then continuation fragments are merged
// into their predecessor with the marker removed. A bare "##" token is kept
// standalone. An empty result yields FallbackCaption.
func Detokenize(ids []int32, v *vocab.Vocabulary) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		tok, ok := v.Token(id)
		if !ok || tok == "" {
			continue
		}
		if strings.HasPrefix(tok, continuationMarker) && len(tok) > len(continuationMarker) {
			frag := tok[len(continuationMarker):]
			if len(words) > 0 {
				words[len(words)-1] += frag
			} else {
				// Continuation with nothing to continue: keep the text,
				// drop the marker
				words = append(words, frag)
			}
			continue
		}
		words = append(words, tok)
	}

	caption := strings.TrimSpace(strings.Join(words, " "))
	if caption == "" {
		return FallbackCaption
	}
	return caption
}
