package mcpserver

// DocumentFormatContract describes the section-addressed document format
// and the write protocol that LLM consumers must follow.
const DocumentFormatContract = `# Ansuz Document Contract

Ansuz manages ONE Markdown document addressed by section headings.

## Structure

` + "```" + `markdown
Optional preamble text before the first heading.

## Section Heading

Section body: every line between this heading and the next one.

## Another Section

Another body.
` + "```" + `

## Rules

1. **Headings are primary keys.** Every section is addressed by the exact
   heading text. Duplicate headings are rejected.
2. **ATX headings on write.** The store serializes headings as ` + "`" + `## Heading` + "`" + `
   lines. Setext headings are understood on read.
3. **Heading-like lines inside fenced code blocks** do not start sections.
4. **Bodies are plain Markdown.** Leading and trailing blank lines are
   trimmed; one blank line separates blocks on disk.
5. **Encoding** is UTF-8 with a trailing newline.

## Write protocol (optimistic concurrency)

1. Call ` + "`" + `read_document` + "`" + ` and keep ` + "`" + `file_state.hash` + "`" + `.
2. Call ` + "`" + `write_section` + "`" + ` with that hash as ` + "`" + `expected_hash` + "`" + `.
3. Interpret the outcome state:
   - ` + "`" + `committed` + "`" + ` – no concurrent change; your edit is live.
   - ` + "`" + `automerged` + "`" + ` – the document changed elsewhere, but not your
     section; your edit was spliced into the latest version.
   - ` + "`" + `conflicted` + "`" + ` – the SAME section changed under you. Both versions
     are preserved in the section between markers:

` + "```" + `
<<<<<<< external <timestamp>
text that was already on disk
=======
your incoming text
>>>>>>> incoming <timestamp>
` + "```" + `

4. On conflict, call ` + "`" + `resolve_conflict` + "`" + ` with policy ` + "`" + `use-external` + "`" + `,
   ` + "`" + `use-incoming` + "`" + `, or ` + "`" + `manual` + "`" + ` (with replacement content). A conflicted
   write is never silently dropped and never recorded to history until
   resolved.

## History

Every committed or auto-merged write records an immutable snapshot.
Use ` + "`" + `list_history` + "`" + `, ` + "`" + `show_diff` + "`" + `, and ` + "`" + `rollback` + "`" + ` to inspect and restore
prior versions; ` + "`" + `cleanup_history` + "`" + ` ages out old snapshots but always
keeps the most recent one.
`
