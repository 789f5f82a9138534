package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"gonum.org/v1/gonum/mat"

	"dynens/dataset"
	"dynens/ensemble"
	"dynens/layer"
	"dynens/optim"
)

func main() {
	name := flag.String("name", "", "model name")
	modelDir := flag.String("model_dir", "./models", "model output directory")
	dataPath := flag.String("data", "", "training CSV, synthetic linear data when empty")
	inputCols := flag.Int("input_cols", 0, "leading CSV columns used as inputs")
	hasHeader := flag.Bool("header", false, "CSV has a header row")
	encoding := flag.String("encoding", "utf8", "CSV encoding, utf8 or gbk")
	rows := flag.Int("rows", 2048, "synthetic rows when no CSV is given")

	members := flag.Int("members", 5, "ensemble size")
	hidden := flag.String("hidden", "64,64", "comma-separated hidden layer sizes")
	activation := flag.String("activation", "swish", "hidden layer activation")
	weightDecay := flag.Float64("weight_decay", 0.0001, "hidden layer weight decay")

	epochs := flag.Int("epochs", 100, "training epochs")
	batchSize := flag.Int("batch_size", 32, "rows per gradient step")
	holdout := flag.Float64("holdout", 0.1, "fraction of rows held out for evaluation")
	optName := flag.String("optimizer", "adam", "optimizer, adam or sgd")
	lr := flag.Float64("lr", 0.001, "learning rate")
	seed := flag.Int64("seed", 0, "rng seed, time-based when zero")
	flag.Parse()

	if *name == "" {
		log.Fatal("name is required")
	}

	set, err := loadData(*dataPath, *inputCols, *hasHeader, *encoding, *rows, *seed)
	if err != nil {
		log.Fatalf("failed to load training data: %v", err)
	}
	_, inDim := set.Inputs.Dims()
	_, outDim := set.Targets.Dims()
	pterm.Info.Printfln("training %s on %d rows (%d inputs, %d targets)", *name, set.Rows(), inDim, outDim)

	sizes, err := parseHidden(*hidden)
	if err != nil {
		log.Fatalf("invalid hidden sizes: %v", err)
	}
	m, err := buildModel(*name, *modelDir, *members, sizes, *activation, *weightDecay, inDim, outDim, *optName, *lr, *seed)
	if err != nil {
		log.Fatalf("failed to build model: %v", err)
	}

	bar, _ := pterm.DefaultProgressbar.WithTotal(*epochs).WithTitle("training").Start()
	err = m.Train(set.Inputs, set.Targets, ensemble.TrainOptions{
		BatchSize:    *batchSize,
		Epochs:       *epochs,
		HoldoutRatio: *holdout,
		Progress: func(ep ensemble.Epoch) {
			bar.UpdateTitle(fmt.Sprintf("epoch %d loss %.6f", ep.Index+1, meanLoss(ep.Losses)))
			bar.Increment()
		},
	})
	bar.Stop()
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}

	losses, err := finalLosses(m, set)
	if err != nil {
		log.Fatalf("failed to evaluate model: %v", err)
	}
	pterm.Info.Printfln("final member losses: %s", formatLosses(losses))

	if err := m.Save(""); err != nil {
		log.Fatalf("failed to save model: %v", err)
	}
	pterm.Success.Printfln("model %s saved to %s", *name, *modelDir)
}

func loadData(path string, inputCols int, hasHeader bool, encoding string, rows int, seed int64) (*dataset.Set, error) {
	if path != "" {
		return dataset.LoadCSV(path, dataset.CSVOptions{
			InputCols: inputCols,
			HasHeader: hasHeader,
			Encoding:  encoding,
		})
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	return dataset.Linear(rng, rows, []float64{1.5, -2, 0.5}, 0.3, 0.01), nil
}

func parseHidden(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	sizes := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, fmt.Errorf("layer size %d must be positive", n)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

func buildModel(name, modelDir string, members int, hidden []int, activation string, weightDecay float64, inDim, outDim int, optName string, lr float64, seed int64) (*ensemble.Model, error) {
	factory, err := optim.ByName(optName)
	if err != nil {
		return nil, err
	}
	m, err := ensemble.New(ensemble.Config{
		Name:       name,
		NumMembers: members,
		ModelDir:   modelDir,
		Seed:       seed,
	})
	if err != nil {
		return nil, err
	}

	for i, units := range hidden {
		l := layer.NewDense(units)
		if i == 0 {
			if err := l.SetInputDim(inDim); err != nil {
				return nil, err
			}
		}
		if err := l.SetActivation(activation); err != nil {
			return nil, err
		}
		if err := l.SetWeightDecay(weightDecay); err != nil {
			return nil, err
		}
		if err := m.Add(l); err != nil {
			return nil, err
		}
	}

	out := layer.NewDense(outDim)
	if len(hidden) == 0 {
		if err := out.SetInputDim(inDim); err != nil {
			return nil, err
		}
	}
	if err := m.Add(out); err != nil {
		return nil, err
	}

	if err := m.Finalize(factory, optim.Config{LearningRate: lr}); err != nil {
		return nil, err
	}
	return m, nil
}

func finalLosses(m *ensemble.Model, set *dataset.Set) ([]float64, error) {
	ins := make([]*mat.Dense, m.NumMembers())
	targs := make([]*mat.Dense, m.NumMembers())
	for i := range ins {
		ins[i] = set.Inputs
		targs[i] = set.Targets
	}
	return m.Losses(ins, targs)
}

func meanLoss(losses []float64) float64 {
	if len(losses) == 0 {
		return 0
	}
	sum := 0.0
	for _, l := range losses {
		sum += l
	}
	return sum / float64(len(losses))
}

func formatLosses(losses []float64) string {
	parts := make([]string, len(losses))
	for i, l := range losses {
		parts[i] = strconv.FormatFloat(l, 'f', 6, 64)
	}
	return strings.Join(parts, " ")
}
