// Package ftp reconstructs FTP control-channel conversations from reassembled
// TCP payload segments.
//
// A connection is accepted when its first server segment starts with the
// "220 " greeting. Segments are then classified as requests or responses by
// alternation, corrected whenever a segment starts with a three digit reply
// code and held while a multi-line reply ("211-" ... "211 End") is open.
// Requests go through a verb table that updates the per-connection Session;
// responses go through a reply-code table that only describes.
//
// Every non-empty segment yields one Layer carrying its direction, framed
// name, trimmed payload and the narrative lines it produced.
package ftp
