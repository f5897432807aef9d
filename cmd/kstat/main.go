/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command kstat is a live ps/strace-style terminal inspector over a
// running kernel's context table and ptrace sessions: a tview.Grid of
// panes, a tcell input capture that quits on Ctrl-C, and a
// background ticker redrawing the table pane.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"

	"github.com/coriolis-os/kernel/kctx"
	"github.com/coriolis-os/kernel/ptrace"
	"github.com/coriolis-os/kernel/version"
)

var (
	jflag       = flag.Bool("j", false, "print a one-shot key=value text dump instead of the interactive TUI (non-tty mode)")
	versionFlag = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *versionFlag {
		version.PrintVersion(os.Stdout)
		return
	}

	table := kctx.NewTable(4)
	ptable := ptrace.NewTable()

	// Demo population so the inspector has something to show when run
	// standalone; a real deployment wires the kernel's live table and
	// ptrace.Table in through NewApp instead of constructing fresh ones.
	seed(table, ptable)

	if *jflag || !term.IsTerminal(int(os.Stdout.Fd())) {
		dump(table, ptable)
		return
	}

	app := NewApp(table, ptable)
	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "kstat:", err)
		os.Exit(1)
	}
}

func seed(table *kctx.Table, ptable *ptrace.Table) {
	a := table.InsertNew(0, 16)
	a.Mtx.Lock()
	a.Status = kctx.Runnable
	a.CPUID = 0
	a.Mtx.Unlock()

	b := table.InsertNew(a.ID, 16)
	b.Mtx.Lock()
	b.Status = kctx.Blocked
	b.Mtx.Unlock()

	ptable.TryNewSession(b.ID, 3)
}

// App wraps the tview application and its panes, mirroring the
// teacher's menu/jobs/logPane/help four-pane layout with context-table,
// ptrace-sessions, detail, and help panes instead.
type App struct {
	app     *tview.Application
	table   *kctx.Table
	ptable  *ptrace.Table
	ctxList *tview.Table
	trcList *tview.List
	detail  *tview.TextView
	help    *tview.TextView
	grid    *tview.Grid

	refresh time.Duration
}

// NewApp builds the inspector wired to a live context table and ptrace
// table. Callers embedding kstat in a running kernel pass the kernel's
// own *kctx.Table / *ptrace.Table so the view reflects live state.
func NewApp(table *kctx.Table, ptable *ptrace.Table) *App {
	a := &App{
		app:     tview.NewApplication(),
		table:   table,
		ptable:  ptable,
		refresh: 500 * time.Millisecond,
	}
	a.build()
	return a
}

func (a *App) build() {
	a.ctxList = tview.NewTable().SetBorders(false).SetFixed(1, 0)
	a.ctxList.SetBorder(true).SetTitle("Contexts")
	a.ctxList.SetSelectable(true, false)

	a.trcList = tview.NewList()
	a.trcList.SetBorder(true).SetTitle("Ptrace Sessions")

	a.detail = tview.NewTextView().SetChangedFunc(func() { a.app.Draw() })
	a.detail.SetBorder(true).SetTitle("Detail")

	a.help = tview.NewTextView().SetChangedFunc(func() { a.app.Draw() })
	a.help.SetBorder(true).SetTitle("Help")
	a.help.Write([]byte("Ctrl-C: quit    Up/Down: select context    Enter: show detail"))

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC {
			a.app.Stop()
			return nil
		}
		return event
	})

	a.ctxList.SetSelectedFunc(func(row, col int) {
		a.showDetail(row)
	})

	a.grid = tview.NewGrid().
		SetRows(0, 0, 3).
		SetColumns(0, 0).
		AddItem(a.ctxList, 0, 0, 1, 1, 0, 0, true).
		AddItem(a.trcList, 0, 1, 1, 1, 0, 0, false).
		AddItem(a.detail, 1, 0, 1, 2, 0, 0, false).
		AddItem(a.help, 2, 0, 1, 2, 0, 0, false)

	a.renderContexts()
	a.renderSessions()
	go a.tick()
}

func (a *App) tick() {
	t := time.NewTicker(a.refresh)
	defer t.Stop()
	for range t.C {
		a.app.QueueUpdateDraw(func() {
			a.renderContexts()
			a.renderSessions()
		})
	}
}

func (a *App) renderContexts() {
	a.ctxList.Clear()
	headers := []string{"ID", "STATUS", "CPU", "RUNNING", "CPU TIME", "WAKE"}
	for col, h := range headers {
		a.ctxList.SetCell(0, col, tview.NewTableCell(h).SetSelectable(false).SetTextColor(tcell.ColorYellow))
	}
	row := 1
	a.table.Range(func(c *kctx.Context) bool {
		c.Mtx.RLock()
		id, status, cpu, running, cputime := c.ID, c.Status, c.CPUID, c.Running, c.CPUTime
		wake := "-"
		if c.Wake != nil {
			wake = c.Wake.Format(time.RFC3339)
		}
		c.Mtx.RUnlock()

		a.ctxList.SetCell(row, 0, tview.NewTableCell(fmt.Sprintf("%d", id)))
		a.ctxList.SetCell(row, 1, tview.NewTableCell(status.String()))
		a.ctxList.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d", cpu)))
		a.ctxList.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%v", running)))
		a.ctxList.SetCell(row, 4, tview.NewTableCell(cputime.String()))
		a.ctxList.SetCell(row, 5, tview.NewTableCell(wake))
		row++
		return true
	})
}

func (a *App) renderSessions() {
	a.trcList.Clear()
	a.table.Range(func(c *kctx.Context) bool {
		if sess, ok := a.ptable.Get(c.ID); ok {
			a.trcList.AddItem(fmt.Sprintf("pid %d", c.ID), fmt.Sprintf("file %d", sess.FileID()), 0, nil)
		}
		return true
	})
}

func (a *App) showDetail(row int) {
	if row <= 0 {
		return
	}
	idCell := a.ctxList.GetCell(row, 0)
	if idCell == nil {
		return
	}
	a.detail.Clear()
	fmt.Fprintf(a.detail, "context row %s selected\n", idCell.Text)
}

// Run starts the tview event loop; blocks until the user quits.
func (a *App) Run() error {
	return a.app.SetRoot(a.grid, true).SetFocus(a.ctxList).Run()
}

func dump(table *kctx.Table, ptable *ptrace.Table) {
	table.Range(func(c *kctx.Context) bool {
		c.Mtx.RLock()
		fmt.Printf("ctx id=%d status=%s cpu=%d running=%v cputime=%s\n", c.ID, c.Status, c.CPUID, c.Running, c.CPUTime)
		c.Mtx.RUnlock()
		if sess, ok := ptable.Get(c.ID); ok {
			fmt.Printf("  ptrace file=%d\n", sess.FileID())
		}
		return true
	})
}
