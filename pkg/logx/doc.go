// Package logx is the zerolog wrapper every aitester component logs through.
//
// Console output is human readable with a short file:line caller, the file
// sink stays JSON, and Service.Apply swaps both at runtime on config reload.
package logx
