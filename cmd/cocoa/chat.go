package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/agent"
)

const userPrompt = "You: "

// chatSession runs turns for one CLI conversation. Any pipeline error ends
// the conversation.
type chatSession struct {
	processor *agent.Processor
	session   *agent.Session
	stream    bool
	out       io.Writer
}

func (c *chatSession) turn(ctx context.Context, input string) error {
	if !c.stream {
		res, err := c.processor.ProcessTurn(ctx, c.session, input)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Assistant: %s\n", res.Response)
		return nil
	}

	stream, err := c.processor.StreamTurn(ctx, c.session, input)
	if err != nil {
		return err
	}
	defer stream.Close()

	fmt.Fprint(c.out, "Assistant: ")
	for frag, err := range stream.Fragments() {
		if err != nil {
			fmt.Fprintln(c.out)
			return err
		}
		fmt.Fprint(c.out, frag)
	}
	fmt.Fprintln(c.out)
	return nil
}

func (c *chatSession) interactive(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          userPrompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".cocoa_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(c.out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(c.out, "Falling back to simple input mode...")
		return c.simple(ctx, os.Stdin)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(c.out, "\nGoodbye!")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		done, err := c.handleLine(ctx, line)
		if done || err != nil {
			return err
		}
	}
}

func (c *chatSession) simple(ctx context.Context, in io.Reader) error {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(c.out, userPrompt)
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(c.out, "\nGoodbye!")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		done, err := c.handleLine(ctx, line)
		if done || err != nil {
			return err
		}
	}
}

func (c *chatSession) handleLine(ctx context.Context, line string) (bool, error) {
	input := strings.TrimSpace(line)
	switch input {
	case "":
		return false, nil
	case "exit", "quit":
		fmt.Fprintln(c.out, "Goodbye!")
		return true, nil
	}
	if err := c.turn(ctx, input); err != nil {
		return true, err
	}
	return false, nil
}
