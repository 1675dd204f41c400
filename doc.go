// Package tabula provides a generative table execution engine.
//
// Tabula turns a table schema into a dependency-aware execution plan:
// output columns reference other columns with ${col} placeholders, and
// the engine streams LLM, embedding, and code-generated cell values in
// topological order, persisting completed rows as it goes.
//
// # Quick Start
//
// Install Tabula:
//
//	go install github.com/kadirpekel/tabula/cmd/tabula@latest
//
// Create a configuration:
//
//	yaml
//	models:
//	  gpt-4o:
//	    provider: "openai"
//	    model: "gpt-4o-mini"
//	    api_key: "${OPENAI_API_KEY}"
//
//	store:
//	  driver: "sqlite3"
//	  dsn: "tabula.db"
//
//	vector:
//	  provider: "chromem"
//	  path: "./vectors"
//
//	engine:
//	  max_concurrent_cells: 16
//
// Start the server:
//
//	tabula serve --config config.yaml
//
// Then create a table and add rows over HTTP:
//
//	POST /v1/tables
//	POST /v1/tables/{table_id}/rows/add
//	POST /v1/tables/{table_id}/rows/regen
//
// Both row operations support server-sent event streaming with
// "stream": true.
//
// # Using as Go Library
//
// Import the packages you need:
//
//	import (
//	    "github.com/kadirpekel/tabula/pkg/engine"
//	    "github.com/kadirpekel/tabula/pkg/schema"
//	    "github.com/kadirpekel/tabula/pkg/table"
//	)
//
// # Key Features
//
//   - **Dependency-aware scheduling**: independent columns run concurrently
//   - **Streaming**: token-level SSE chunks per cell, OpenAI-style
//   - **Generative columns**: LLM, embedding, code, and fixed-code kinds
//   - **RAG**: hybrid retrieval over knowledge tables with reranking
//   - **Multi-turn**: conversation threads built from prior rows
//   - **Pluggable storage**: SQL stores or in-memory, plus vector providers
//
// # Architecture
//
// Client → HTTP Server → Engine → Row Executor → Cell Executor → Model Router
//
// Completed cells flow back through a bounded queue to the response
// writer and the persistence buffer.
//
// # Alpha Status
//
// Tabula is currently in alpha development. APIs may change, and some
// features are experimental. We welcome feedback and contributions!
//
// # License
//
// Apache-2.0 - See LICENSE for details.
package tabula
