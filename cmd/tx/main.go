package main

func main() {
	runTx()
}
