package main

import "github.com/jsherman999/contentrelay/internal/cli"

func main() { cli.Main() }
