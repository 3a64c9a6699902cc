// Command nvcfg inspects and edits nvcfg stores, and helps size keys.
package main

func main() {
	execute()
}
