// Copyright 2025 Kadir Pekel
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

package rag

import (
	"fmt"
	"strings"

	"github.com/kadirpekel/tabula/pkg/knowledge"
)

// ftsRewritePrompt turns a user turn into a keyword query. The %s is
// the current UTC timestamp, for resolving relative dates.
const ftsRewritePrompt = `You rewrite a user message into a full-text search query.
Rules:
- Keep named entities exactly as written.
- Put multi-word phrases in double quotes.
- Resolve relative dates against the current time: %s.
- Output only the query, nothing else.`

// vsRewritePrompt turns a user turn into a semantic search query.
const vsRewritePrompt = `You rewrite a user message into one natural-language search query for semantic retrieval.
Rules:
- Keep named entities exactly as written.
- Resolve relative dates against the current time: %s.
- Produce a single self-contained paraphrase of the information need.
- Output only the query, nothing else.`

const citationInstruction = `When a statement is supported by the context above, cite the chunk ids it draws on in the form [@<id>] or [@<id>; @<id2>] immediately after the statement.`

// groundedPrompt renders the replacement user prompt: the context
// block, the original user text, and optionally the citation
// instruction.
func groundedPrompt(chunks []knowledge.Chunk, userText string, citations bool) string {
	var b strings.Builder
	b.WriteString("<up-to-date-context>\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "[id: %d]", i)
		if c.Title != "" {
			fmt.Fprintf(&b, " [title: %s]", c.Title)
		}
		if c.Page > 0 {
			fmt.Fprintf(&b, " [page: %d]", c.Page)
		}
		b.WriteString("\n")
		b.WriteString(c.Text)
		b.WriteString("\n\n")
	}
	b.WriteString("</up-to-date-context>\n\n")
	b.WriteString(userText)
	if citations {
		b.WriteString("\n\n")
		b.WriteString(citationInstruction)
	}
	return b.String()
}
