package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kayz/keel/internal/schedule"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks and their next run times",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()
		if err := rt.sched.Load(); err != nil {
			return err
		}

		tasks := rt.sched.ListTasks()
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}
		for _, task := range tasks {
			kind, value := schedule.EncodeTrigger(task.Trigger)
			state := "enabled"
			if !task.Enabled {
				state = "disabled"
			}
			next := "-"
			if task.NextRunAt != nil {
				next = task.NextRunAt.Format(time.RFC3339)
			}
			fmt.Printf("%s  %-20s %s(%s)  %s  next=%s\n",
				task.ID[:8], task.Name, kind, value, state, next)
		}
		return nil
	},
}

var (
	taskCron     string
	taskEvery    int
	taskOnCreate bool
	taskOnUpdate bool
	taskTag      string
	taskTemplate string
	taskRecord   string
	taskCore     bool
	taskSkills   bool
	taskDisabled bool
)

var taskAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a scheduled task",
	Long: `Adds a task. Pick exactly one trigger:
  --cron "0 9 * * 1-5"   five-field cron, day-of-week 1=Monday..7=Sunday
  --every 15             heartbeat, minutes between runs
  --on-create [--tag t]  fires when a record is created
  --on-update [--tag t]  fires when a record is updated
  (none)                 manual, run with "keel task run"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		trigger, err := buildTrigger()
		if err != nil {
			return err
		}

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()
		if err := rt.sched.Load(); err != nil {
			return err
		}

		task, err := rt.sched.AddTask(&schedule.Task{
			Name:    args[0],
			Trigger: trigger,
			Action: schedule.RelayInstruction{
				Template:             taskTemplate,
				ContextRecordRef:     taskRecord,
				IncludeCoreMemory:    taskCore,
				IncludeSkillManifest: taskSkills,
			},
			Enabled: !taskDisabled,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Added task %s (%s)\n", task.Name, task.ID[:8])
		return nil
	},
}

func buildTrigger() (schedule.Trigger, error) {
	set := 0
	for _, on := range []bool{taskCron != "", taskEvery > 0, taskOnCreate, taskOnUpdate} {
		if on {
			set++
		}
	}
	if set > 1 {
		return nil, fmt.Errorf("pick at most one of --cron, --every, --on-create, --on-update")
	}
	switch {
	case taskCron != "":
		if _, err := schedule.ParseCron(taskCron); err != nil {
			return nil, err
		}
		return schedule.CronTrigger{Expr: taskCron}, nil
	case taskEvery > 0:
		return schedule.HeartbeatTrigger{Minutes: taskEvery}, nil
	case taskOnCreate:
		return schedule.RecordCreateTrigger{TagFilter: taskTag}, nil
	case taskOnUpdate:
		return schedule.RecordUpdateTrigger{TagFilter: taskTag}, nil
	default:
		return schedule.ManualTrigger{}, nil
	}
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <id|name>",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()
		if err := rt.sched.Load(); err != nil {
			return err
		}

		task := rt.sched.FindTask(args[0])
		if task == nil {
			return fmt.Errorf("task not found: %s", args[0])
		}
		if err := rt.sched.RemoveTask(task.ID); err != nil {
			return err
		}
		fmt.Printf("Removed task %s\n", task.Name)
		return nil
	},
}

var taskRunCmd = &cobra.Command{
	Use:   "run <id|name>",
	Short: "Run a task once, immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()
		if err := rt.sched.Load(); err != nil {
			return err
		}

		name, err := rt.sched.RunTaskNow(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Task %s ran.\n", name)
		return nil
	},
}

var taskLogsCmd = &cobra.Command{
	Use:   "logs <id|name>",
	Short: "Show recent run logs for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()
		if err := rt.sched.Load(); err != nil {
			return err
		}

		task := rt.sched.FindTask(args[0])
		if task == nil {
			return fmt.Errorf("task not found: %s", args[0])
		}
		logs, err := rt.tasks.RunLogsForTask(task.ID, 20)
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			fmt.Println("No runs yet.")
			return nil
		}
		for _, rl := range logs {
			line := fmt.Sprintf("%s  %-8s", rl.StartedAt.Format(time.RFC3339), rl.Status)
			if rl.Error != "" {
				line += "  " + rl.Error
			} else if rl.Output != "" {
				line += "  " + strings.ReplaceAll(rl.Output, "\n", " ")
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	taskAddCmd.Flags().StringVar(&taskCron, "cron", "", "Cron expression trigger")
	taskAddCmd.Flags().IntVar(&taskEvery, "every", 0, "Heartbeat trigger, minutes between runs")
	taskAddCmd.Flags().BoolVar(&taskOnCreate, "on-create", false, "Fire when a record is created")
	taskAddCmd.Flags().BoolVar(&taskOnUpdate, "on-update", false, "Fire when a record is updated")
	taskAddCmd.Flags().StringVar(&taskTag, "tag", "", "Tag filter for event triggers")
	taskAddCmd.Flags().StringVar(&taskTemplate, "template", "", "Instruction template relayed to the runtime")
	taskAddCmd.Flags().StringVar(&taskRecord, "record", "", "Record reference whose text is appended to the instruction")
	taskAddCmd.Flags().BoolVar(&taskCore, "core", false, "Attach ranked core-memory context")
	taskAddCmd.Flags().BoolVar(&taskSkills, "skills", false, "Attach the skill manifest")
	taskAddCmd.Flags().BoolVar(&taskDisabled, "disabled", false, "Create the task disabled")

	taskCmd.AddCommand(taskListCmd, taskAddCmd, taskRemoveCmd, taskRunCmd, taskLogsCmd)
	rootCmd.AddCommand(taskCmd)
}
