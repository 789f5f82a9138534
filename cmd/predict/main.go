package main

import (
	"flag"
	"fmt"
	"log"

	"dynens/dataset"
	"dynens/ensemble"
	"dynens/optim"
)

func main() {
	name := flag.String("name", "", "model name")
	modelDir := flag.String("model_dir", "./models", "model directory")
	dataPath := flag.String("data", "", "input CSV, every column is a model input")
	hasHeader := flag.Bool("header", false, "CSV has a header row")
	encoding := flag.String("encoding", "utf8", "CSV encoding, utf8 or gbk")
	outPath := flag.String("out", "predictions.csv", "output CSV path")
	flag.Parse()

	if *name == "" {
		log.Fatal("name is required")
	}
	if *dataPath == "" {
		log.Fatal("data is required")
	}

	m, err := ensemble.Load(ensemble.Config{Name: *name, ModelDir: *modelDir}, nil, optim.Config{})
	if err != nil {
		log.Fatalf("failed to load model: %v", err)
	}

	x, err := dataset.LoadMatrix(*dataPath, dataset.CSVOptions{HasHeader: *hasHeader, Encoding: *encoding})
	if err != nil {
		log.Fatalf("failed to load inputs: %v", err)
	}

	mean, variance, err := m.Predict(x)
	if err != nil {
		log.Fatalf("prediction failed: %v", err)
	}

	out, err := dataset.HStack(mean, variance)
	if err != nil {
		log.Fatalf("failed to assemble output: %v", err)
	}
	if err := dataset.WriteCSV(*outPath, predictionHeader(m.OutputDim()), out); err != nil {
		log.Fatalf("failed to write predictions: %v", err)
	}

	rows, _ := x.Dims()
	fmt.Printf("wrote %d predictions to %s\n", rows, *outPath)
}

func predictionHeader(outDim int) []string {
	header := make([]string, 0, 2*outDim)
	for i := 0; i < outDim; i++ {
		header = append(header, fmt.Sprintf("mean_%d", i+1))
	}
	for i := 0; i < outDim; i++ {
		header = append(header, fmt.Sprintf("var_%d", i+1))
	}
	return header
}
