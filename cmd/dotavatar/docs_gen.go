package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotavatar/pkg/config"
	"github.com/dotsetgreg/dotavatar/pkg/providers"
)

func newDocsCommand() *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate the config and provider reference from source",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

// referenceDoc is one generated file, relative to the docs root.
type referenceDoc struct {
	rel   string
	build func(defaults map[string]string) string
}

var referenceDocs = []referenceDoc{
	{rel: filepath.Join("reference", "config.md"), build: configReference},
	{rel: filepath.Join("reference", "providers.md"), build: providersReference},
}

// generateDocumentation writes every reference file under outputDir. With
// checkOnly it writes nothing and reports the first file that differs.
func generateDocumentation(outputDir string, checkOnly bool) error {
	defaults, err := configDefaults()
	if err != nil {
		return fmt.Errorf("flatten config defaults: %w", err)
	}
	for _, doc := range referenceDocs {
		want := []byte(doc.build(defaults))
		path := filepath.Join(outputDir, doc.rel)
		if checkOnly {
			have, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("docs out of date: missing %s", doc.rel)
			}
			if !bytes.Equal(have, want) {
				return fmt.Errorf("docs out of date: %s differs; run `dotavatar docs generate`", doc.rel)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(doc.rel), err)
		}
		if err := os.WriteFile(path, want, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", doc.rel, err)
		}
	}
	return nil
}

type settingRow struct {
	key, kind, env, def string
}

// settingRows lists the leaf settings of t keyed by their dotted json path.
func settingRows(t reflect.Type, prefix string, defaults map[string]string) []settingRow {
	var rows []settingRow
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			rows = append(rows, settingRows(f.Type, name, defaults)...)
			continue
		}
		rows = append(rows, settingRow{key: name, kind: kindName(f.Type), env: f.Tag.Get("env"), def: defaults[name]})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })
	return rows
}

func writeSettingsTable(b *strings.Builder, rows []settingRow) {
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, r := range rows {
		fmt.Fprintf(b, "| %s | %s | %s | %s |\n", cell(r.key), cell(r.kind), cell(r.env), cell(r.def))
	}
}

func cell(v string) string {
	if strings.TrimSpace(v) == "" {
		v = "-"
	}
	return "`" + strings.ReplaceAll(v, "|", "\\|") + "`"
}

func kindName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "int"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.Slice:
		return "list of " + kindName(t.Elem())
	case reflect.Map:
		return "map of " + kindName(t.Elem())
	default:
		return t.Kind().String()
	}
}

// configDefaults renders config.DefaultConfig() as dotted key to JSON value.
func configDefaults() (map[string]string, error) {
	data, err := json.Marshal(config.DefaultConfig())
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	out := map[string]string{}
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		if m, ok := v.(map[string]any); ok {
			for k, child := range m {
				if prefix != "" {
					k = prefix + "." + k
				}
				walk(k, child)
			}
			return
		}
		encoded, _ := json.Marshal(v)
		out[prefix] = string(encoded)
	}
	walk("", tree)
	return out, nil
}

func configReference(defaults map[string]string) string {
	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Generated from `pkg/config/config.go` and `config.DefaultConfig()`.\n\n")
	writeSettingsTable(&b, settingRows(reflect.TypeOf(config.Config{}), "", defaults))
	return b.String()
}

func providersReference(defaults map[string]string) string {
	sections := []struct {
		title, key, summary string
		names               []string
		fields              reflect.Type
	}{
		{
			title:   "Embedding",
			key:     "providers.embedding",
			summary: "Turns memory text and recall queries into vectors. `local` needs no network; `openai` accepts any compatible base URL.",
			names:   providers.SupportedEmbedders(),
			fields:  reflect.TypeOf(config.EmbeddingConfig{}),
		},
		{
			title:   "Emotion",
			key:     "providers.emotion",
			summary: "Labels the emotion of a memory when the caller does not supply one. `lexicon` needs no network.",
			names:   providers.SupportedEmotionDetectors(),
			fields:  reflect.TypeOf(config.EmotionConfig{}),
		},
	}

	var b strings.Builder
	b.WriteString("# Provider Reference\n\n")
	b.WriteString("API keys accept a literal value or `file:<path>` to read the key from disk.\n\n")
	for _, s := range sections {
		quoted := make([]string, len(s.names))
		for i, n := range s.names {
			quoted[i] = "`" + n + "`"
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n- Config path: `%s`\n- Supported: %s\n\n", s.title, s.summary, s.key, strings.Join(quoted, ", "))
		writeSettingsTable(&b, settingRows(s.fields, s.key, defaults))
		b.WriteString("\n")
	}
	return b.String()
}
