package main

import "github.com/jsherman999/contentrelay/internal/daemon"

func main() { daemon.Main() }
