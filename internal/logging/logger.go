package logging

import (
	"log"
	"os"
)

var (
	Bot      = log.New(os.Stdout, "[bot] ", log.LstdFlags)
	Store    = log.New(os.Stdout, "[store] ", log.LstdFlags)
	Relay    = log.New(os.Stdout, "[relay] ", log.LstdFlags)
	Restore  = log.New(os.Stdout, "[restore] ", log.LstdFlags)
	Reaper   = log.New(os.Stdout, "[reaper] ", log.LstdFlags)
	Archive  = log.New(os.Stdout, "[archive] ", log.LstdFlags)
	Telegram = log.New(os.Stdout, "[telegram] ", log.LstdFlags)
	HTTP     = log.New(os.Stdout, "[http] ", log.LstdFlags)
	Internal = log.New(os.Stdout, "[internal] ", log.LstdFlags)
)
