package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 {
		cmd := os.Args[1]
		switch cmd {
		case "train":
			if err := RunTrainCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "zeroshot":
			if err := RunZeroShotCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "tokenizer":
			if err := RunTokenizerCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
			printUsage()
			os.Exit(1)
		}
	}

	printUsage()
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  koclip [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train      Finetune the contrastive image-text model on caption data")
	fmt.Println("  zeroshot   Evaluate a checkpoint by zero-shot image classification")
	fmt.Println("  tokenizer  Train a Korean BPE tokenizer from a caption file")
	fmt.Println("  help       Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  koclip train --train-config=config_train.yaml --data-config=config_data.yaml --pvm=vit-tiny")
	fmt.Println("  koclip train --train-coco-img-dir=data/train2017 --train-coco-annotation-file=data/captions_ko_train.json")
	fmt.Println("  koclip zeroshot --checkpoint=checkpoints/run-1a2b3c4d/checkpoint_2_1000.bin --data=data/eval --template=v2")
	fmt.Println("  koclip tokenizer --annotations=data/captions_ko_train.json --vocab=8000 --out=tokenizer_ko.txt")
	fmt.Println()
}
