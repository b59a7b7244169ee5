package main

import (
	"github.com/joho/godotenv"

	"github.com/modelgate/modelgate/api/cmd/modelgated"
)

func main() {
	_ = godotenv.Load()
	modelgated.Execute()
}
