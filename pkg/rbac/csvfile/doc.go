// Package csvfile reconciles the policy store against a declarative,
// line-oriented policy file and keeps it reconciled while the file
// changes on disk. Lines that cannot be used are skipped with a log
// message so one bad line never blocks the rest of the file.
package csvfile
