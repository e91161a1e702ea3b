// Package templates loads identity template definitions from YAML files and
// serves them to the engine, optionally reloading on file changes.
package templates
