package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/absfs/sealfs"
)

// logicalPath maps a command line name onto the sealed file it names. Names
// are relative to the root, with or without a leading slash.
func logicalPath(name string) string {
	if strings.HasPrefix(name, "/") {
		return name
	}
	return "/" + name
}

func (a *app) putCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "put <name> [source]",
		Short: "Seal a local file, or stdin, under name",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 2 {
				src, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer src.Close()
				in = src
			}
			return a.put(cmd.OutOrStdout(), args[0], in, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "replace an existing sealed file")
	return cmd
}

func (a *app) put(out io.Writer, name string, in io.Reader, force bool) error {
	mode, err := a.mode()
	if err != nil {
		return err
	}
	if force {
		if err := a.fs.Remove(logicalPath(name)); err != nil && !errors.Is(err, sealfs.ErrNotFound) {
			return err
		}
	}

	f, err := a.fs.Create(logicalPath(name), mode)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := io.Copy(f, in)
	if err != nil {
		return err
	}
	if err := f.Flush(); err != nil {
		return err
	}

	if mode == sealfs.ModeIntegrityOnly {
		tag, err := f.AuthenticationTag()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%d bytes\t%s\n", name, n, tag)
		return nil
	}
	fmt.Fprintf(out, "%s\t%d bytes\n", name, n)
	return nil
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name> [destination]",
		Short: "Verify a sealed file and write its content to stdout or a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 2 {
				dst, err := os.OpenFile(args[1], os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
				if err != nil {
					return err
				}
				defer dst.Close()
				out = dst
			}
			return a.get(out, args[0])
		},
	}
}

func (a *app) get(out io.Writer, name string) error {
	mode, err := a.mode()
	if err != nil {
		return err
	}
	f, err := a.fs.Open(logicalPath(name), mode)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(out, f)
	return err
}

func (a *app) tagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tag <name>",
		Short: "Print the authentication tag of an integrity-only file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.fs.Open(logicalPath(args[0]), sealfs.ModeIntegrityOnly)
			if err != nil {
				return err
			}
			defer f.Close()

			tag, err := f.AuthenticationTag()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tag)
			return nil
		},
	}
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <name>...",
		Short: "Read every node of sealed files and report whether they verify",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, name := range args {
				n, err := a.verify(name)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL\t%s\t%v\n", name, err)
					continue
				}
				fmt.Fprintf(out, "OK\t%s\t%d bytes\n", name, n)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed verification", failed, len(args))
			}
			return nil
		},
	}
}

func (a *app) verify(name string) (int64, error) {
	mode, err := a.mode()
	if err != nil {
		return 0, err
	}
	f, err := a.fs.Open(logicalPath(name), mode)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(io.Discard, f)
}

func (a *app) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>...",
		Short: "Remove sealed files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				if err := a.fs.Remove(logicalPath(name)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
