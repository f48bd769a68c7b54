// Package mediapath derives the virtual paths of a logical key (thumbnail and
// compressed proxies) and classifies keys by media kind. Every function here is
// pure and total: malformed keys produce a best-effort path, never an error.
package mediapath
