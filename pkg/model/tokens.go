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

package model

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.RWMutex
)

func encodingFor(model string) *tiktoken.Tiktoken {
	encodingMu.RLock()
	enc, ok := encodingCache[model]
	encodingMu.RUnlock()
	if ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// cl100k_base approximates well enough for accounting purposes.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}

	encodingMu.Lock()
	encodingCache[model] = enc
	encodingMu.Unlock()
	return enc
}

// CountTokens returns the tiktoken token count of text for model, or a
// bytes/4 estimate when no encoding is available.
func CountTokens(model, text string) int {
	enc := encodingFor(model)
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateUsage approximates usage for providers that do not report it.
// Per-message overhead follows the OpenAI token-counting cookbook.
func EstimateUsage(model string, messages []Message, completion string) Usage {
	const tokensPerMessage = 3
	prompt := 3 // reply priming
	for i := range messages {
		prompt += tokensPerMessage
		prompt += CountTokens(model, string(messages[i].Role))
		prompt += CountTokens(model, messages[i].Text())
	}
	out := CountTokens(model, completion)
	return Usage{PromptTokens: prompt, CompletionTokens: out, TotalTokens: prompt + out}
}
