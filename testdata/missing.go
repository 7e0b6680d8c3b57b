package sample

import "log"

// go:generate go install github.com/ZenLiuCN/dynhost/cmd/dynhost@latest
//
//go:generate dynhost compile -o missing.o missing.go
func Print(args ...any) {
	log.Println(args...)
}
