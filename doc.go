/*
Package newsletterd documents the newsletterd module.

This module is CLI-first and ships the newsletterd command:

	go install github.com/nuetzliches/newsletterd/cmd/newsletterd@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package newsletterd
