// Package notes extracts structured meeting notes from a growing transcript
// using an AI text provider.
package notes
