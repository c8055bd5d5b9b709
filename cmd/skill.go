package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kayz/keel/internal/store"
)

var skillCmd = &cobra.Command{
	Use:   "skill",
	Short: "Manage skills",
}

var skillListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed skills",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		skills, err := rt.store.FetchSkills()
		if err != nil {
			return err
		}
		if len(skills) == 0 {
			fmt.Println("No skills.")
			return nil
		}
		for _, sk := range skills {
			state := "enabled"
			if !sk.Enabled {
				state = "disabled"
			}
			fmt.Printf("%s  %-20s %-14s %s  %s\n", sk.ID[:8], sk.Name, sk.ActionKind, state, sk.Description)
		}
		return nil
	},
}

var (
	skillDescription string
	skillKind        string
	skillTemplate    string
)

var skillAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add or update a skill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch skillKind {
		case store.SkillActionPrompt, store.SkillActionCommand,
			store.SkillActionRecordCreate, store.SkillActionRecordAppend:
		default:
			return fmt.Errorf("unknown --kind %q", skillKind)
		}

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		sk, err := rt.store.FetchSkill(args[0])
		if err != nil {
			return err
		}
		if sk == nil {
			sk = &store.Skill{Name: args[0], Enabled: true}
		}
		sk.Description = skillDescription
		sk.ActionKind = skillKind
		sk.Template = skillTemplate
		if err := rt.store.SaveSkill(sk); err != nil {
			return err
		}
		fmt.Printf("Saved skill %s (%s)\n", sk.Name, sk.ID[:8])
		return nil
	},
}

var skillRemoveCmd = &cobra.Command{
	Use:   "remove <id|name>",
	Short: "Remove a skill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		sk, err := rt.store.FetchSkill(args[0])
		if err != nil {
			return err
		}
		if sk == nil {
			return fmt.Errorf("skill not found: %s", args[0])
		}
		if err := rt.store.DeleteSkill(sk.ID); err != nil {
			return err
		}
		fmt.Printf("Removed skill %s\n", sk.Name)
		return nil
	},
}

func setSkillEnabled(ref string, enabled bool) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	sk, err := rt.store.FetchSkill(ref)
	if err != nil {
		return err
	}
	if sk == nil {
		return fmt.Errorf("skill not found: %s", ref)
	}
	sk.Enabled = enabled
	if err := rt.store.SaveSkill(sk); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("Skill %s %s\n", sk.Name, state)
	return nil
}

var skillEnableCmd = &cobra.Command{
	Use:   "enable <id|name>",
	Short: "Enable a skill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSkillEnabled(args[0], true)
	},
}

var skillDisableCmd = &cobra.Command{
	Use:   "disable <id|name>",
	Short: "Disable a skill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSkillEnabled(args[0], false)
	},
}

func init() {
	skillAddCmd.Flags().StringVar(&skillDescription, "description", "", "One-line description shown in the catalog")
	skillAddCmd.Flags().StringVar(&skillKind, "kind", store.SkillActionPrompt,
		"Action kind: prompt, command, record_create, record_append")
	skillAddCmd.Flags().StringVar(&skillTemplate, "template", "",
		"Action template; placeholders {input} {request} {date} {timestamp}")

	skillCmd.AddCommand(skillListCmd, skillAddCmd, skillRemoveCmd, skillEnableCmd, skillDisableCmd)
	rootCmd.AddCommand(skillCmd)
}
