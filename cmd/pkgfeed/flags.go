package main

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type UpdateFlags struct {
	Force bool
}

type ServeStaticFlags struct {
	Root string
	Addr string
}
