package ldapclient

import (
	"io"
	"log"
	"os"
)

// Logger is the package logger. It defaults to writing on standard
// error; assign DiscardingLogger to silence the package.
var Logger = log.New(os.Stderr, "", log.LstdFlags)

// DiscardingLogger drops everything written to it.
var DiscardingLogger = log.New(io.Discard, "", 0)
