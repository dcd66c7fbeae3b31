/*
Copyright © 2025 Katie Mulliken <katie@mulliken.net>
*/
package main

import "github.com/seckatie/bookshot/cmd"

func main() {
	cmd.Execute()
}
